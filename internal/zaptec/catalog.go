package zaptec

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
)

//go:embed constants.json
var embeddedConstants []byte

// Category selects which code table a lookup goes against.
type Category string

const (
	CategoryObservation Category = "observation"
	CategorySetting     Category = "setting"
	CategoryCommand     Category = "command"
)

// constantsDocument mirrors the vendor's GET /api/constants payload. Unknown
// top-level keys are ignored on purpose; the vendor adds sections without
// notice.
type constantsDocument struct {
	Observations          map[string]int          `json:"Observations"`
	Settings              map[string]int          `json:"Settings"`
	Commands              map[string]int          `json:"Commands"`
	ChargerOperationModes map[string]int          `json:"ChargerOperationModes"`
	DeviceTypes           map[string]int          `json:"DeviceTypes"`
	NetworkTypes          map[string]int          `json:"NetworkTypes"`
	Schema                map[string]deviceSchema `json:"Schema"`
}

// deviceSchema carries the per-device-type additions to the main tables.
type deviceSchema struct {
	DeviceType     int            `json:"DeviceType"`
	ObservationIDs map[string]int `json:"ObservationIds"`
	SettingIDs     map[string]int `json:"SettingIds"`
	CommandIDs     map[string]int `json:"CommandIds"`
}

type codeTable struct {
	byName map[string]int
	byCode map[int]string
}

func newCodeTable() *codeTable {
	return &codeTable{byName: make(map[string]int), byCode: make(map[int]string)}
}

func (t *codeTable) add(name string, code int) {
	t.byName[toUnder(name)] = code
	t.byCode[code] = name
}

// updateParams are the only keys accepted by the charger settings endpoint.
var updateParams = map[string]bool{
	"maxChargeCurrent":     true,
	"maxChargePhases":      true,
	"minChargeCurrent":     true,
	"offlineChargeCurrent": true,
	"offlineChargePhase":   true,
	"meterValueInterval":   true,
}

// Catalog maps the vendor's unstable numeric codes to stable names and back.
// It is seeded from an embedded snapshot so the bridge can start offline, and
// replaced by the fetched table during discovery.
type Catalog struct {
	log *zap.Logger

	mu           sync.RWMutex
	doc          constantsDocument
	deviceTypes  map[int]bool
	observations *codeTable
	settings     *codeTable
	commands     *codeTable
	modes        map[int]string

	unknownLogged map[string]bool
}

// NewCatalog returns a catalog seeded from the embedded constants snapshot.
func NewCatalog(log *zap.Logger) *Catalog {
	c := &Catalog{
		log:           log,
		deviceTypes:   make(map[int]bool),
		unknownLogged: make(map[string]bool),
	}
	if err := c.LoadJSON(embeddedConstants); err != nil {
		// The embedded snapshot is shipped with the binary; a decode
		// failure here is a build defect.
		panic(fmt.Sprintf("embedded constants: %v", err))
	}
	return c
}

// LoadJSON replaces the catalog contents with a fetched constants document.
func (c *Catalog) LoadJSON(data []byte) error {
	var doc constantsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode constants: %w", err)
	}
	if len(doc.Observations) == 0 || len(doc.Commands) == 0 {
		return fmt.Errorf("constants document missing observation or command tables")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc = doc
	c.rebuildLocked()
	return nil
}

// ApplyDeviceTypes merges the schema tables for the discovered device types
// into the lookup tables. Called after discovery once the charger fleet is
// known.
func (c *Catalog) ApplyDeviceTypes(types []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range types {
		c.deviceTypes[t] = true
	}
	c.rebuildLocked()
}

func (c *Catalog) rebuildLocked() {
	obs := newCodeTable()
	set := newCodeTable()
	cmd := newCodeTable()

	for name, code := range c.doc.Observations {
		obs.add(name, code)
	}
	for name, code := range c.doc.Settings {
		set.add(name, code)
	}
	for name, code := range c.doc.Commands {
		cmd.add(name, code)
	}
	for _, schema := range c.doc.Schema {
		if !c.deviceTypes[schema.DeviceType] {
			continue
		}
		for name, code := range schema.ObservationIDs {
			obs.add(name, code)
		}
		for name, code := range schema.SettingIDs {
			set.add(name, code)
		}
		for name, code := range schema.CommandIDs {
			cmd.add(name, code)
		}
	}

	c.observations = obs
	c.settings = set
	c.commands = cmd

	c.modes = make(map[int]string, len(c.doc.ChargerOperationModes))
	for name, code := range c.doc.ChargerOperationModes {
		c.modes[code] = name
	}
}

// Resolve maps a numeric code to its attribute key. Unknown codes are logged
// once, reported through UnknownCodeError, and still given a synthesized key
// so the value survives the poll pipeline.
func (c *Catalog) Resolve(category Category, code int) (string, error) {
	c.mu.RLock()
	table := c.tableFor(category)
	name, ok := table.byCode[code]
	c.mu.RUnlock()
	if ok {
		return toUnder(name), nil
	}

	key := fmt.Sprintf("%s_%d", category, code)
	c.mu.Lock()
	if !c.unknownLogged[key] {
		c.unknownLogged[key] = true
		c.log.Warn("unknown vendor code, passing through",
			zap.String("category", string(category)),
			zap.Int("code", code))
	}
	c.mu.Unlock()
	return key, &UnknownCodeError{Category: string(category), Code: code}
}

func (c *Catalog) tableFor(category Category) *codeTable {
	switch category {
	case CategorySetting:
		return c.settings
	case CategoryCommand:
		return c.commands
	default:
		return c.observations
	}
}

// CommandID looks up the numeric id for a command. Both CamelCase and
// snake_case names are accepted.
func (c *Catalog) CommandID(name string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.commands.byName[toUnder(name)]
	return id, ok
}

// ObservationID looks up the numeric id for an observation name.
func (c *Catalog) ObservationID(name string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.observations.byName[toUnder(name)]
	return id, ok
}

// OperationMode converts a raw operation-mode value (numeric or numeric
// string) into the named mode. Unrecognized values map to ModeUnknown.
func (c *Catalog) OperationMode(value any) OperationMode {
	code, ok := asInt(value)
	if !ok {
		// Already a name, e.g. from an optimistic update.
		if s, isString := value.(string); isString {
			return OperationMode(s)
		}
		return ModeUnknown
	}
	c.mu.RLock()
	name, found := c.modes[code]
	c.mu.RUnlock()
	if !found {
		return ModeUnknown
	}
	return OperationMode(name)
}

// IsUpdateParam reports whether name is a valid charger settings key.
func (c *Catalog) IsUpdateParam(name string) bool {
	return updateParams[name]
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// toUnder converts TurnOnThisButton to turn_on_this_button.
func toUnder(word string) string {
	var out []rune
	runes := []rune(word)
	for i, r := range runes {
		if r == '-' {
			out = append(out, '_')
			continue
		}
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				out = append(out, '_')
			}
		}
		out = append(out, unicode.ToLower(r))
	}
	return string(out)
}
