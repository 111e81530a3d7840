package model

import (
	"time"
)

// Collection and child collection names used by the workflow.
const (
	CollectionRequests    = "solicitudes"
	CollectionUsers       = "users"
	CollectionBlockedDays = "diasBloqueados"
	ChildEvents           = "events"
)

// Document keys of a work request.
const (
	FieldTitle           = "title"
	FieldStart           = "start"
	FieldEnd             = "end"
	FieldDeadline        = "deadline"
	FieldPlant           = "plant"
	FieldArea            = "area"
	FieldContOp          = "contop"
	FieldFnLocation      = "fnlocation"
	FieldPetitioner      = "petitioner"
	FieldOpShift         = "opshift"
	FieldType            = "type"
	FieldDetention       = "detention"
	FieldSAP             = "sap"
	FieldObjective       = "objective"
	FieldDeliverable     = "deliverable"
	FieldReceiver        = "receiver"
	FieldDescription     = "description"
	FieldOwnerUID        = "uid"
	FieldOwnerName       = "user"
	FieldOwnerEmail      = "userEmail"
	FieldOwnerRole       = "userRole"
	FieldCreatedAt       = "date"
	FieldRequestNumber   = "n_request"
	FieldEngineering     = "engineering"
	FieldState           = "state"
	FieldOTRequired      = "ot"
	FieldOT              = "OT"
	FieldSupervisorShift = "supervisorShift"
	FieldHours           = "hours"
	FieldDraftmen        = "draftmen"
)

// State identifies which role currently owns a request.
type State int

// Defined state codes. 2 and 3 are review states reached through the role
// fallthrough and have no dedicated name.
const (
	StateReturnedPetitioner State = 0
	StateReturnedContOp     State = 1
	StateContOwner          State = 4
	StatePlanner            State = 5
	StateContAdmin          State = 6
	StateSupervisor         State = 7
	StateDraftsman          State = 8
	StateRejected           State = 10
)

// Role is the acting party's position in the approval chain.
type Role int

// Role codes.
const (
	RoleSubmitter          Role = 1
	RoleContractOperator   Role = 2
	RoleContractOwner      Role = 3
	RolePlannerPredecessor Role = 4
	RolePlanner            Role = 5
	RoleContractAdmin      Role = 6
	RoleSupervisor         Role = 7
	RoleDraftsman          Role = 8
	RoleDocumentController Role = 9
	RoleSystem             Role = 10
)

// Valid reports whether r is a known role code.
func (r Role) Valid() bool {
	return r >= RoleSubmitter && r <= RoleSystem
}

// Actor is the authenticated user performing an operation.
type Actor struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	Engineering bool   `json:"engineering"`
}

// NewRequest is the submission payload for a work request.
type NewRequest struct {
	Title       string    `json:"title" validate:"required,max=200"`
	Start       time.Time `json:"start" validate:"required"`
	End         time.Time `json:"end" validate:"omitempty,gtfield=Start"`
	Plant       string    `json:"plant" validate:"required"`
	Area        string    `json:"area" validate:"required"`
	ContOp      string    `json:"contop"`
	FnLocation  string    `json:"fnlocation"`
	Petitioner  string    `json:"petitioner"`
	OpShift     string    `json:"opshift"`
	Type        string    `json:"type"`
	Detention   string    `json:"detention"`
	SAP         string    `json:"sap"`
	Objective   string    `json:"objective" validate:"required"`
	Deliverable []string  `json:"deliverable" validate:"dive,required"`
	Receiver    []string  `json:"receiver" validate:"dive,email"`
	Description string    `json:"description" validate:"required"`
	OTRequired  bool      `json:"ot"`
}

// WorkRequest is the typed view of a stored request document.
type WorkRequest struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end,omitzero"`
	Plant           string    `json:"plant"`
	Area            string    `json:"area"`
	ContOp          string    `json:"contop,omitempty"`
	FnLocation      string    `json:"fnlocation,omitempty"`
	Petitioner      string    `json:"petitioner,omitempty"`
	OpShift         string    `json:"opshift,omitempty"`
	Type            string    `json:"type,omitempty"`
	Detention       string    `json:"detention,omitempty"`
	SAP             string    `json:"sap,omitempty"`
	Objective       string    `json:"objective"`
	Description     string    `json:"description"`
	OwnerUID        string    `json:"uid"`
	OwnerName       string    `json:"user"`
	OwnerEmail      string    `json:"userEmail"`
	OwnerRole       int64     `json:"userRole"`
	CreatedAt       time.Time `json:"date"`
	RequestNumber   int64     `json:"n_request"`
	Engineering     bool      `json:"engineering"`
	State           State     `json:"state"`
	OTRequired      bool      `json:"ot"`
	OT              int64     `json:"OT,omitempty"`
	SupervisorShift string    `json:"supervisorShift,omitempty"`
}

// RequestFromDocument builds the typed view of a request document.
func RequestFromDocument(id string, doc Document) WorkRequest {
	wr := WorkRequest{
		ID:              id,
		Title:           doc.String(FieldTitle),
		Plant:           doc.String(FieldPlant),
		Area:            doc.String(FieldArea),
		ContOp:          doc.String(FieldContOp),
		FnLocation:      doc.String(FieldFnLocation),
		Petitioner:      doc.String(FieldPetitioner),
		OpShift:         doc.String(FieldOpShift),
		Type:            doc.String(FieldType),
		Detention:       doc.String(FieldDetention),
		SAP:             doc.String(FieldSAP),
		Objective:       doc.String(FieldObjective),
		Description:     doc.String(FieldDescription),
		OwnerUID:        doc.String(FieldOwnerUID),
		OwnerName:       doc.String(FieldOwnerName),
		OwnerEmail:      doc.String(FieldOwnerEmail),
		Engineering:     doc.Truthy(FieldEngineering),
		OTRequired:      doc.Truthy(FieldOTRequired),
		SupervisorShift: doc.String(FieldSupervisorShift),
	}
	wr.Start, _ = doc.Time(FieldStart)
	wr.End, _ = doc.Time(FieldEnd)
	wr.CreatedAt, _ = doc.Time(FieldCreatedAt)
	wr.OwnerRole, _ = doc.Int(FieldOwnerRole)
	wr.RequestNumber, _ = doc.Int(FieldRequestNumber)
	wr.OT, _ = doc.Int(FieldOT)
	if s, ok := doc.Int(FieldState); ok {
		wr.State = State(s)
	}
	return wr
}

// RequestState returns the state code stored in a request document.
func RequestState(doc Document) State {
	s, _ := doc.Int(FieldState)
	return State(s)
}

// User is the subset of a user record the workflow reads.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
	Phone string `json:"phone,omitempty"`
}

// UserFromDocument builds a User from its stored document.
func UserFromDocument(id string, doc Document) User {
	u := User{
		ID:    id,
		Name:  doc.String("name"),
		Email: doc.String("email"),
		Phone: doc.String("phone"),
	}
	if r, ok := doc.Int("role"); ok {
		u.Role = Role(r)
	}
	return u
}
