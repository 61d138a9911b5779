package prism

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind names a Prism collection endpoint.
type Kind string

const (
	KindInstances Kind = "instances"
	KindHardware  Kind = "hardware"
)

// Kinds lists every supported kind in display order.
var Kinds = []Kind{KindInstances, KindHardware}

// Path returns the endpoint path for the kind.
func (k Kind) Path() string {
	return "/" + string(k)
}

// DisplayRow is the tabular rendering of a record.
type DisplayRow struct {
	Stage     string
	Stack     string
	App       string
	Address   string
	CreatedAt string
}

// Columns returns the row in column order.
func (r DisplayRow) Columns() []string {
	return []string{r.Stage, r.Stack, r.App, r.Address, r.CreatedAt}
}

// Record is one host or asset returned by Prism.
type Record interface {
	Kind() Kind
	// TokenSource returns the raw field values free-text phrases are matched against.
	TokenSource() []string
	DisplayFields() DisplayRow
	// Address is the DNS name used for display and as the SSH target.
	Address() string
	// Raw is the decoded JSON object including fields this package does not model.
	Raw() map[string]any
}

// Common holds the fields shared by every record kind.
type Common struct {
	Stage     string   `json:"stage"`
	Stack     string   `json:"stack"`
	App       []string `json:"app"`
	DNSName   string   `json:"dnsName"`
	CreatedAt string   `json:"createdAt"`

	raw map[string]any
}

func (c *Common) Address() string { return c.DNSName }
func (c *Common) Raw() map[string]any { return c.raw }

// Instance is a virtual machine.
type Instance struct {
	Common
	ID           string   `json:"id"`
	InstanceName string   `json:"instanceName"`
	Region       string   `json:"region"`
	MainClasses  []string `json:"mainclasses"`
}

func (i *Instance) Kind() Kind { return KindInstances }

func (i *Instance) TokenSource() []string {
	tokens := make([]string, 0, len(i.MainClasses)+len(i.App)+2)
	tokens = append(tokens, i.MainClasses...)
	tokens = append(tokens, i.Stage, i.Stack)
	tokens = append(tokens, i.App...)
	return tokens
}

func (i *Instance) DisplayFields() DisplayRow {
	app := strings.Join(i.App, ",")
	if app == "" {
		app = strings.Join(i.MainClasses, ",")
	}
	return DisplayRow{
		Stage:     i.Stage,
		Stack:     i.Stack,
		App:       app,
		Address:   i.DNSName,
		CreatedAt: i.CreatedAt,
	}
}

// Hardware is a physical machine.
type Hardware struct {
	Common
	ID string `json:"id"`
}

func (h *Hardware) Kind() Kind { return KindHardware }

func (h *Hardware) TokenSource() []string {
	tokens := make([]string, 0, len(h.App)+3)
	tokens = append(tokens, h.DNSName, h.Stage, h.Stack)
	tokens = append(tokens, h.App...)
	return tokens
}

func (h *Hardware) DisplayFields() DisplayRow {
	return DisplayRow{
		Stage:     h.Stage,
		Stack:     h.Stack,
		App:       strings.Join(h.App, ","),
		Address:   h.DNSName,
		CreatedAt: h.CreatedAt,
	}
}

// DecodeRecord decodes one element of data.<kind>, keeping the raw object
// for field selection.
func DecodeRecord(kind Kind, data json.RawMessage) (Record, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("expected object, got null")
	}

	switch kind {
	case KindInstances:
		inst := &Instance{}
		if err := json.Unmarshal(data, inst); err != nil {
			return nil, err
		}
		inst.raw = raw
		return inst, nil
	case KindHardware:
		hw := &Hardware{}
		if err := json.Unmarshal(data, hw); err != nil {
			return nil, err
		}
		hw.raw = raw
		return hw, nil
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
}
