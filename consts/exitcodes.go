package consts

// Exit codes understood by qmail-local. The numeric values are part of the
// .qmail contract and must not change.
const (
	// ExitOK lets qmail-local continue with the next .qmail line.
	ExitOK = 0
	// ExitStop reports success but stops processing of further .qmail lines.
	ExitStop = 99
	// ExitHardError makes qmail bounce the message.
	ExitHardError = 100
	// ExitSoftError makes qmail retry the delivery later.
	ExitSoftError = 111
)

// DeliveredToMarker is the header line stamped on every reply. Finding it in
// an incoming message means the reply came back to us.
const (
	DeliveredToMarker = "Delivered-To: Autoresponder"
	LoopMarkerValue   = "Autoresponder"
)
