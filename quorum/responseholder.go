package quorum

type ResponseHolder struct {
	Nacks map[string]struct{}
	Acks  map[string]struct{}
}

func (qrm *ResponseHolder) clear() {
	qrm.Nacks = make(map[string]struct{})
	qrm.Acks = make(map[string]struct{})
}

func (qrm *ResponseHolder) addAck(id string) {
	qrm.Acks[id] = struct{}{}
}

func (qrm *ResponseHolder) addNack(id string) {
	qrm.Nacks[id] = struct{}{}
}

func (qrm *ResponseHolder) getAcks() map[string]struct{} {
	return qrm.Acks
}
