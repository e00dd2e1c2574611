package disposition

import (
	"errors"
	"strings"
)

var (
	ErrInvalidDisposition = errors.New("invalid disposition")
	ErrBatchTooLarge      = errors.New("batch too large")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// MaxBatchSize caps bulk updates.
const MaxBatchSize = 50

// Disposition is the pipeline outcome stored on a lead.
type Disposition string

const (
	NotContacted   Disposition = "Not Contacted"
	Contacted      Disposition = "Contacted"
	AppointmentSet Disposition = "Appointment Set"
	Submitted      Disposition = "Submitted"
	Dead           Disposition = "Dead"
	DNC            Disposition = "DNC"
)

var all = []Disposition{NotContacted, Contacted, AppointmentSet, Submitted, Dead, DNC}

func All() []Disposition {
	out := make([]Disposition, len(all))
	copy(out, all)
	return out
}

// Parse accepts the canonical spelling in any case, with underscores or
// dashes in place of spaces.
func Parse(s string) (Disposition, error) {
	norm := strings.NewReplacer("_", " ", "-", " ").Replace(strings.TrimSpace(s))
	norm = strings.Join(strings.Fields(norm), " ")
	for _, d := range all {
		if strings.EqualFold(norm, string(d)) {
			return d, nil
		}
	}
	return "", ErrInvalidDisposition
}
