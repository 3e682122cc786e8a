// Package message defines the durable record of an outbound message
// (MsgToSend) and its associated per-recipient bookkeeping
// (MailboxResult, SendFailure), as described for the queue's core entity.
package message

import (
	"time"

	"github.com/google/uuid"
)

// EntityID identifies a stored entity. The zero value means "not yet
// stored"; it is assigned by the entity store on insert.
type EntityID uuid.UUID

// IsZero reports whether the ID has been assigned yet.
func (id EntityID) IsZero() bool {
	return id == EntityID{}
}

func (id EntityID) String() string {
	return uuid.UUID(id).String()
}

// NewEntityID generates a fresh, non-zero entity ID.
func NewEntityID() EntityID {
	return EntityID(uuid.New())
}

// Status is the lifecycle state of a MsgToSend.
type Status int

const (
	NonFinalIdle Status = iota
	NonFinalSending
	FinalDelivered
	FinalGaveUp
	FinalAborted
)

func (s Status) String() string {
	switch s {
	case NonFinalIdle:
		return "NonFinalIdle"
	case NonFinalSending:
		return "NonFinalSending"
	case FinalDelivered:
		return "FinalDelivered"
	case FinalGaveUp:
		return "FinalGaveUp"
	case FinalAborted:
		return "FinalAborted"
	default:
		return "Unknown"
	}
}

// IsFinal reports whether s is one of the Final* terminal statuses.
func (s Status) IsFinal() bool {
	return s == FinalDelivered || s == FinalGaveUp || s == FinalAborted
}

// TLSRequirement is the minimum TLS assurance a message demands from its
// delivery attempts.
type TLSRequirement int

const (
	NoTls TLSRequirement = iota
	StartTls
	TlsAnonymous
	TlsDomainMatchCert
	TlsExactMatchCert
)

func (r TLSRequirement) String() string {
	switch r {
	case NoTls:
		return "NoTls"
	case StartTls:
		return "StartTls"
	case TlsAnonymous:
		return "Tls_Anonymous"
	case TlsDomainMatchCert:
		return "Tls_DomainMatchCert"
	case TlsExactMatchCert:
		return "Tls_ExactMatchCert"
	default:
		return "Unknown"
	}
}

// RecipientState is the outcome recorded for one mailbox.
type RecipientState int

const (
	Pending RecipientState = iota
	Succeeded
	TempFailed
	PermFailed
	GaveUp
)

func (s RecipientState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Succeeded:
		return "Succeeded"
	case TempFailed:
		return "TempFailed"
	case PermFailed:
		return "PermFailed"
	case GaveUp:
		return "GaveUp"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s is a terminal mailbox state
// (Succeeded | PermFailed | GaveUp).
func (s RecipientState) IsTerminal() bool {
	return s == Succeeded || s == PermFailed || s == GaveUp
}

// Stage identifies the point in the SMTP dialog where a failure occurred.
type Stage int

const (
	StageLookup Stage = iota
	StageConnect
	StageGreeting
	StageHelo
	StageStartTls
	StageTlsHandshake
	StageAuth
	StageMailFrom
	StageRcptTo
	StageData
	StageQuit
	StageTls
)

func (s Stage) String() string {
	switch s {
	case StageLookup:
		return "Lookup"
	case StageConnect:
		return "Connect"
	case StageGreeting:
		return "Greeting"
	case StageHelo:
		return "Helo"
	case StageStartTls:
		return "StartTls"
	case StageTlsHandshake:
		return "TlsHandshake"
	case StageAuth:
		return "Auth"
	case StageMailFrom:
		return "MailFrom"
	case StageRcptTo:
		return "RcptTo"
	case StageData:
		return "Data"
	case StageQuit:
		return "Quit"
	case StageTls:
		return "Tls"
	default:
		return "Unknown"
	}
}

// ErrKind is the error taxonomy used across the engine, independent of the
// stage it was observed at.
type ErrKind int

const (
	KindNone ErrKind = iota
	KindInvalidArgument
	KindIllegalState
	KindStorageError
	KindResolverError
	KindNetworkError
	KindProtocolError
	KindTlsError
	KindAuthError
	KindServerTempFailure
	KindServerPermFailure
	KindCancelled
	KindInternal
)

func (k ErrKind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindIllegalState:
		return "IllegalState"
	case KindStorageError:
		return "StorageError"
	case KindResolverError:
		return "ResolverError"
	case KindNetworkError:
		return "NetworkError"
	case KindProtocolError:
		return "ProtocolError"
	case KindTlsError:
		return "TlsError"
	case KindAuthError:
		return "AuthError"
	case KindServerTempFailure:
		return "ServerTempFailure"
	case KindServerPermFailure:
		return "ServerPermFailure"
	case KindCancelled:
		return "Cancelled"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// EnhStatus is an RFC 3463 enhanced status code, packed as three small
// integers, or the zero value if none was given.
type EnhStatus struct {
	Class   int
	Subject int
	Detail  int
}

// IsZero reports whether no enhanced status was recorded.
func (e EnhStatus) IsZero() bool {
	return e == EnhStatus{}
}

func (e EnhStatus) String() string {
	if e.IsZero() {
		return ""
	}
	return itoa(e.Class) + "." + itoa(e.Subject) + "." + itoa(e.Detail)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// SendFailure is the diagnostic payload attached to a non-successful
// MailboxResult.
type SendFailure struct {
	Stage     Stage
	Err       ErrKind
	MX        string
	ReplyCode int
	EnhStatus EnhStatus
	Desc      string
	Lines     []string
}

// MailboxResult is the per-recipient final or intermediate record.
type MailboxResult struct {
	Time      time.Time
	Mailbox   string
	SuccessMX string
	State     RecipientState
	Failure   *SendFailure
}

// MsgToSend is the durable record of an outbound message.
type MsgToSend struct {
	EntityID EntityID

	Status          Status
	NextAttemptTime time.Time

	TLSRequirement          TLSRequirement
	FromAddress             string
	ToDomain                string
	AdditionalMatchDomains  []string
	PendingMailboxes        []string
	MailboxResults          []MailboxResult
	ContentPart1            []byte
	DeliveryContext         []byte

	CustomTimeout        bool
	BaseSendSecondsMax   int
	NrBytesToAddOneSec   int

	CustomRetrySchedule     bool
	FutureRetryDelayMinutes []int

	// Priority is a supplemental ordering hint among equally-due messages;
	// higher values are scanned first. It does not affect correctness.
	Priority int

	// AttemptHistoryCap is persisted with the message but no code reads
	// it: SendFailure.Lines keeps every reply line whatever its value.
	AttemptHistoryCap int

	CreatedAt time.Time
}

// AttemptCount returns the number of distinct attempt times recorded in
// MailboxResults, which the retry scheduler uses as n.
func (m *MsgToSend) AttemptCount() int {
	seen := map[time.Time]bool{}
	for _, r := range m.MailboxResults {
		seen[r.Time] = true
	}
	return len(seen)
}

// AllTerminal reports whether every recipient has reached a terminal state
// and none remain pending.
func (m *MsgToSend) AllTerminal() bool {
	return len(m.PendingMailboxes) == 0
}

// AnySucceeded reports whether at least one MailboxResult is Succeeded.
func (m *MsgToSend) AnySucceeded() bool {
	for _, r := range m.MailboxResults {
		if r.State == Succeeded {
			return true
		}
	}
	return false
}
