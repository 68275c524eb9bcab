package proto

const (
	ProtoVersion = "0.1.0"
	Suite        = "meshpay-wire-v1"
)

// Mesh envelope types.
const (
	MsgTypePayment       = "payment"
	MsgTypeRouteRequest  = "route-request"
	MsgTypeRouteResponse = "route-response"
	MsgTypePeerDiscovery = "peer-discovery"
	MsgTypePing          = "ping"
	MsgTypePong          = "pong"
	MsgTypeSyncRequest   = "sync-request"
	MsgTypeSyncResponse  = "sync-response"
)

// Rendezvous message types.
const (
	MsgTypeRegister     = "register"
	MsgTypePeersList    = "peers-list"
	MsgTypeOffer        = "offer"
	MsgTypeAnswer       = "answer"
	MsgTypeICECandidate = "ice-candidate"
	MsgTypePeerJoined   = "peer-joined"
	MsgTypePeerLeft     = "peer-left"
)

const (
	MaxPaymentSize       = 8 << 10
	MaxRouteRequestSize  = 2 << 10
	MaxRouteResponseSize = 2 << 10
	MaxPeerDiscoverySize = 16 << 10
	MaxPingSize          = 1 << 10
	MaxSyncRequestSize   = 2 << 10
	MaxSyncResponseSize  = 256 << 10
	MaxSignalSize        = 64 << 10
)

func MaxSizeForType(msgType string) int {
	switch msgType {
	case MsgTypePayment:
		return MaxPaymentSize
	case MsgTypeRouteRequest:
		return MaxRouteRequestSize
	case MsgTypeRouteResponse:
		return MaxRouteResponseSize
	case MsgTypePeerDiscovery:
		return MaxPeerDiscoverySize
	case MsgTypePing, MsgTypePong:
		return MaxPingSize
	case MsgTypeSyncRequest:
		return MaxSyncRequestSize
	case MsgTypeSyncResponse:
		return MaxSyncResponseSize
	case MsgTypeRegister, MsgTypePeersList, MsgTypeOffer, MsgTypeAnswer,
		MsgTypeICECandidate, MsgTypePeerJoined, MsgTypePeerLeft:
		return MaxSignalSize
	default:
		return 0
	}
}

func KnownEnvelopeType(msgType string) bool {
	switch msgType {
	case MsgTypePayment, MsgTypeRouteRequest, MsgTypeRouteResponse,
		MsgTypePeerDiscovery, MsgTypePing, MsgTypePong,
		MsgTypeSyncRequest, MsgTypeSyncResponse:
		return true
	}
	return false
}
