package names

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"petnames/internal/logging"
)

// ErrInvalidEntry is wrapped by every validation failure of SetName.
var ErrInvalidEntry = errors.New("invalid name entry")

var variationPattern = regexp.MustCompile(`^0x[0-9a-f]+$`)

// Record is one persisted (type, value, variation) entry.
type Record struct {
	Type      Type
	Value     string
	Variation string
	Entry     NameEntry
}

// Persister stores the state between runs.
type Persister interface {
	LoadNames() ([]Record, error)
	SaveName(Record) error
	DeleteName(t Type, value, variation string) error
}

// Publisher is the part of the messenger the controller needs.
type Publisher interface {
	Publish(event string, payload any) error
}

// ControllerConfig configures a Controller. Every field is optional.
type ControllerConfig struct {
	Messenger Publisher
	Persister Persister
	Logger    *logging.Logger
}

// Controller owns the name state.
type Controller struct {
	mu      sync.RWMutex
	state   State
	pub     Publisher
	persist Persister
	log     *logging.Logger
}

// NewController creates an empty controller.
func NewController(cfg ControllerConfig) *Controller {
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Controller{
		state:   make(State),
		pub:     cfg.Messenger,
		persist: cfg.Persister,
		log:     log.WithComponent("names"),
	}
}

// Load replaces the in-memory state with what the persister holds. It does
// not publish.
func (c *Controller) Load() error {
	if c.persist == nil {
		return nil
	}
	records, err := c.persist.LoadNames()
	if err != nil {
		return fmt.Errorf("load names: %w", err)
	}

	state := make(State)
	for _, r := range records {
		put(state, r.Type, r.Value, r.Variation, r.Entry)
	}

	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.log.Debug("loaded names", "count", len(records))
	return nil
}

// State returns a snapshot of the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

// Entries returns the named entries of type t.
func (c *Controller) Entries(t Type) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Entries(t)
}

// SetName assigns, overwrites or (with a nil Name) clears a label. The
// change is persisted before it becomes visible, and StateChangeEvent is
// published only if the state actually changed. Errors returned by
// subscribers are returned to the caller.
func (c *Controller) SetName(e Entry) error {
	e, err := normalize(e)
	if err != nil {
		return err
	}

	changed, err := c.apply(e)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	c.log.Debug("name updated",
		"type", string(e.Type),
		"value", e.Value,
		"variation", e.Variation,
		"name", e.NameOrEmpty(),
		"source_id", e.SourceID,
	)

	if c.pub == nil {
		return nil
	}
	if err := c.pub.Publish(StateChangeEvent, c.State()); err != nil {
		return fmt.Errorf("publish state change: %w", err)
	}
	return nil
}

func (c *Controller) apply(e Entry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, exists := c.state.Lookup(e.Type, e.Value, e.Variation)

	var sourceID *string
	if e.Name != nil && e.SourceID != "" {
		sourceID = Ptr(e.SourceID)
	}

	if exists && equalPtr(current.Name, e.Name) && equalPtr(current.SourceID, sourceID) {
		return false, nil
	}
	if !exists && e.Name == nil {
		return false, nil
	}

	next := current.clone()
	next.Name = e.Name
	next.SourceID = sourceID

	// A cleared entry with no proposals left carries no information.
	if next.Name == nil && len(next.ProposedNames) == 0 {
		if c.persist != nil {
			if err := c.persist.DeleteName(e.Type, e.Value, e.Variation); err != nil {
				return false, fmt.Errorf("delete name: %w", err)
			}
		}
		remove(c.state, e.Type, e.Value, e.Variation)
		return true, nil
	}

	if c.persist != nil {
		rec := Record{Type: e.Type, Value: e.Value, Variation: e.Variation, Entry: next}
		if err := c.persist.SaveName(rec); err != nil {
			return false, fmt.Errorf("save name: %w", err)
		}
	}
	put(c.state, e.Type, e.Value, e.Variation, next)
	return true, nil
}

// normalize validates e and returns it in canonical form.
func normalize(e Entry) (Entry, error) {
	switch e.Type {
	case TypeEthereumAddress:
		if !common.IsHexAddress(e.Value) {
			return e, fmt.Errorf("%w: value %q is not a hex address", ErrInvalidEntry, e.Value)
		}
		e.Value = strings.ToLower(common.HexToAddress(e.Value).Hex())
	case "":
		return e, fmt.Errorf("%w: type is required", ErrInvalidEntry)
	default:
		return e, fmt.Errorf("%w: unsupported type %q", ErrInvalidEntry, e.Type)
	}

	e.Variation = strings.ToLower(strings.TrimSpace(e.Variation))
	if e.Variation != FallbackVariation && !variationPattern.MatchString(e.Variation) {
		return e, fmt.Errorf("%w: variation %q must be a hex chain id or %q", ErrInvalidEntry, e.Variation, FallbackVariation)
	}

	if e.Name != nil {
		name := strings.TrimSpace(*e.Name)
		if name == "" {
			return e, fmt.Errorf("%w: name must not be empty", ErrInvalidEntry)
		}
		e.Name = Ptr(name)
	}
	return e, nil
}

// NormalizeValue returns the canonical form of an address-like value, or
// the input unchanged if it cannot be parsed.
func NormalizeValue(t Type, value string) string {
	if t == TypeEthereumAddress && common.IsHexAddress(value) {
		return strings.ToLower(common.HexToAddress(value).Hex())
	}
	return value
}

func put(s State, t Type, value, variation string, e NameEntry) {
	if s[t] == nil {
		s[t] = make(map[string]map[string]NameEntry)
	}
	if s[t][value] == nil {
		s[t][value] = make(map[string]NameEntry)
	}
	s[t][value][variation] = e
}

func remove(s State, t Type, value, variation string) {
	delete(s[t][value], variation)
	if len(s[t][value]) == 0 {
		delete(s[t], value)
	}
	if len(s[t]) == 0 {
		delete(s, t)
	}
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
