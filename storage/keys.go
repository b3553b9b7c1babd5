package storage

// Prefix identifies a sequence kind for the purposes of storage layout and
// subscription dispatch.
type Prefix string

const (
	PairingPrefix Prefix = "pairing"
	SessionPrefix Prefix = "session"
)

// SettledKey and PendingKey return the storage key a sequence controller
// lists/reads/writes on init() and on every settle/respond/delete, matching
// the wc@2:client//{kind}:{settled,pending} layout of §6.
func SettledKey(prefix Prefix, topic string) string {
	return "wc@2:client//" + string(prefix) + ":settled:" + topic
}

func PendingKey(prefix Prefix, topic string) string {
	return "wc@2:client//" + string(prefix) + ":pending:" + topic
}

func SettledScanPrefix(prefix Prefix) string {
	return "wc@2:client//" + string(prefix) + ":settled:"
}

func PendingScanPrefix(prefix Prefix) string {
	return "wc@2:client//" + string(prefix) + ":pending:"
}
