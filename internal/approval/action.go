package approval

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pitabwire/solicitudes/model"
)

// ReadOnlyFields are request fields that only the workflow writes. OT and
// supervisorShift are assigned once, n_request is unique and state is always
// computed.
var ReadOnlyFields = []string{
	model.FieldOT,
	model.FieldSupervisorShift,
	model.FieldRequestNumber,
	model.FieldState,
}

// Kind discriminates the shapes an approval submission can take.
type Kind int

const (
	KindReject Kind = iota
	KindAccept
	KindFieldEdits
	KindReturnReason
	KindDraftmanList
)

func (k Kind) String() string {
	switch k {
	case KindReject:
		return "reject"
	case KindAccept:
		return "accept"
	case KindFieldEdits:
		return "field_edits"
	case KindReturnReason:
		return "return_reason"
	case KindDraftmanList:
		return "draftman_list"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Action is a resolved approval submission.
type Action struct {
	Kind     Kind
	Edits    model.Document
	Reason   string
	Draftmen []any

	// raw is the submitted value as decoded, written to the catch-all
	// field of the request.
	raw any
}

// Accept is a plain approval.
func Accept() Action { return Action{Kind: KindAccept, raw: true} }

// Reject is a rejection.
func Reject() Action { return Action{Kind: KindReject, raw: false} }

// FieldEdits approves while editing the given request fields.
func FieldEdits(edits model.Document) Action {
	if edits == nil {
		edits = model.Document{}
	}
	return Action{Kind: KindFieldEdits, Edits: edits, raw: map[string]any(edits)}
}

// ReturnReason approves while sending the request back with a reason.
func ReturnReason(reason string) Action {
	if reason == "" {
		return Reject()
	}
	return Action{Kind: KindReturnReason, Reason: reason, raw: reason}
}

// DraftmanList approves while assigning draftsmen.
func DraftmanList(draftmen []any) Action {
	if draftmen == nil {
		draftmen = []any{}
	}
	return Action{Kind: KindDraftmanList, Draftmen: draftmen, raw: draftmen}
}

// Approves reports whether the action is anything other than a rejection.
func (a Action) Approves() bool { return a.Kind != KindReject }

// WithChanges reports whether the action carries field edits or a return
// reason. Draftsman lists are treated as plain approvals here.
func (a Action) WithChanges() bool {
	return a.Kind == KindFieldEdits || a.Kind == KindReturnReason
}

// Raw returns the submitted value.
func (a Action) Raw() any { return a.raw }

// ParseAction resolves a JSON approval payload. true accepts; false, null,
// an empty string or an absent payload rejects; an object carries field
// edits; a non-empty string is a return reason; an array is a draftsman
// list. Any other shape is a VALIDATION_ERROR.
func ParseAction(raw json.RawMessage) (Action, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Action{Kind: KindReject}, nil
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return Action{}, invalid("approves is not valid JSON")
	}
	return FromValue(v)
}

// FromValue resolves an already decoded approval value.
func FromValue(v any) (Action, error) {
	switch t := v.(type) {
	case nil:
		return Action{Kind: KindReject}, nil
	case bool:
		if t {
			return Accept(), nil
		}
		return Reject(), nil
	case string:
		if t == "" {
			return Action{Kind: KindReject, raw: ""}, nil
		}
		return ReturnReason(t), nil
	case map[string]any:
		a := FieldEdits(model.Document(t))
		return a, a.Validate()
	case model.Document:
		a := FieldEdits(t)
		return a, a.Validate()
	case []any:
		return DraftmanList(t), nil
	default:
		return Action{}, invalid(fmt.Sprintf("approves has unsupported type %T", v))
	}
}

// Validate rejects field edits that touch a ReadOnlyFields key.
func (a Action) Validate() error {
	if a.Kind != KindFieldEdits {
		return nil
	}
	var details []model.FieldError
	for _, key := range ReadOnlyFields {
		if _, ok := a.Edits[key]; ok {
			details = append(details, model.FieldError{
				Field:   "approves." + key,
				Code:    "READ_ONLY",
				Message: key + " cannot be edited",
			})
		}
	}
	if len(details) == 0 {
		return nil
	}
	return model.NewValidationError(details)
}

func invalid(msg string) error {
	return model.NewValidationError([]model.FieldError{{
		Field:   "approves",
		Code:    "INVALID_TYPE",
		Message: msg,
	}})
}
