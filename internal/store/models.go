package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Estate struct {
	ID        string
	OwnerID   string
	Name      string
	Plan      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type EstateMember struct {
	ID         string
	EstateID   string
	UserID     string
	Role       string
	InvitedBy  string
	AcceptedAt *time.Time
	CreatedAt  time.Time
	// Joined fields for API responses
	UserEmail  string
	UserName   string
	EstateName string
}

type EstateInvite struct {
	ID         string
	EstateID   string
	Email      string
	Role       string
	Token      string
	CreatedBy  string
	ExpiresAt  time.Time
	AcceptedAt *time.Time
	CreatedAt  time.Time
}

// EmergencyContact is a person notified when the dead man's switch
// escalates. Tier 1 is contacted first, tier 3 last.
type EmergencyContact struct {
	ID          string
	EstateID    string
	Name        string
	Email       string
	Phone       string
	Relation    string
	Tier        int
	VerifyToken string
	VerifiedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SwitchState holds the per-estate dead man's switch. Status is one of
// ACTIVE, PAUSED, OVERDUE, ESCALATING, TRIGGERED.
type SwitchState struct {
	EstateID       string
	Status         string
	IntervalDays   int
	GraceDays      int
	LastCheckinAt  time.Time
	NextDeadlineAt time.Time
	PausedAt       *time.Time
	TriggeredAt    *time.Time
	UpdatedAt      time.Time
}

type SwitchEvent struct {
	ID        int64
	EstateID  string
	EventType string
	Actor     string
	Detail    map[string]any
	CreatedAt time.Time
}

// EscalationStep is one pending notification to one contact. The engine
// claims steps by flipping status PENDING -> SENDING; a claim that
// affects zero rows means another worker got there first.
type EscalationStep struct {
	ID        string
	EstateID  string
	ContactID string
	Tier      int
	Status    string
	DueAt     time.Time
	Attempts  int
	LastError string
	SentAt    *time.Time
	CreatedAt time.Time
	// Joined fields for the engine
	ContactName  string
	ContactEmail string
	EstateName   string
}

type Will struct {
	ID           string
	EstateID     string
	Title        string
	Status       string
	SealScore    int
	SealLevel    string
	FinalizedAt  *time.Time
	FinalizedRef string
	UpdatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type VaultItem struct {
	ID             string
	EstateID       string
	Name           string
	Category       string
	MimeType       string
	SizeBytes      int64
	BlobKey        string
	SealedKey      []byte
	KeyFingerprint string
	SHA256         string
	UploadedBy     string
	CreatedAt      time.Time
	DeletedAt      *time.Time
}

// RecoveryKit stores the estate keypair. The private key is encrypted
// with a key derived from the owner's passphrase; the server never
// persists either in the clear.
type RecoveryKit struct {
	EstateID      string
	PublicKey     []byte
	EncPrivateKey []byte
	Salt          []byte
	CodeHash      string
	CodeUsedAt    *time.Time
	Version       int
	CreatedAt     time.Time
	RotatedAt     *time.Time
}

type Ticket struct {
	ID        string
	UserID    string
	EstateID  string
	Subject   string
	Status    string
	Priority  string
	CreatedAt time.Time
	UpdatedAt time.Time
	// Joined fields for API responses
	UserName  string
	UserEmail string
}

type TicketMessage struct {
	ID         string
	TicketID   string
	AuthorID   string
	AuthorName string
	Body       string
	IsStaff    bool
	IsAuto     bool
	CreatedAt  time.Time
}

type AuditEvent struct {
	ID           int64
	EstateID     string
	EventType    string
	ActorID      string
	ActorName    string
	ResourceType string
	ResourceID   string
	Payload      map[string]any
	CreatedAt    time.Time
}

type Snapshot struct {
	ID          string
	Kind        string
	Status      string
	BlobKey     string
	SizeBytes   int64
	SHA256      string
	RowCounts   map[string]int
	Note        string
	CreatedBy   string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

// AdminSummary is the counter block on the platform admin page.
type AdminSummary struct {
	Users            int
	Estates          int
	Wills            int
	VaultItems       int
	SwitchesByStatus map[string]int
	OpenTickets      int
	Snapshots        int
}

// TableDump is one table's full contents in a backup archive. Types carry
// the database type names so a restore can coerce JSON-decoded values back
// into what the driver expects.
type TableDump struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Types   []string `json:"types"`
	Rows    [][]any  `json:"rows"`
}
