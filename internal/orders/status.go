package orders

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Note is a side annotation on a pending order. It never changes Status,
// the provider may still confirm the payment later.
type Note string

const (
	NoteNone    Note = ""
	NoteFailed  Note = "FAILED"
	NoteDelayed Note = "DELAYED"
)

type LicenseStatus string

const (
	LicenseActive  LicenseStatus = "ACTIVE"
	LicenseRevoked LicenseStatus = "REVOKED"
	LicenseUsed    LicenseStatus = "USED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusCompleted: true},
	StatusCompleted: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}
