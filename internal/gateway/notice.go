package gateway

// NoticeKind classifies an asynchronous provider notification.
type NoticeKind string

const (
	NoticeSucceeded NoticeKind = "succeeded"
	NoticeFailed    NoticeKind = "failed"
	NoticeRefunded  NoticeKind = "refunded"
	NoticeIgnored   NoticeKind = "ignored"
)

// Notice is a verified webhook event reduced to what payments act on.
type Notice struct {
	EventID    string
	EventType  string
	Kind       NoticeKind
	Reference  string
	ExternalID string
	CaptureID  string
	RefundIDs  []string
	Reason     string
}
