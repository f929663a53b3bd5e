package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
	reflectschema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaTypes = map[string]any{
	"hello":             HelloMsg{},
	"welcome":           WelcomeMsg{},
	"request":           RequestMsg{},
	"result":            ResultMsg{},
	"ping":              PingMsg{},
	"ready_to_play_all": ReadyToPlayAllMsg{},
	"tick":              TickMsg{},
	"paused":            PausedMsg{},
	"replay":            ReplayData{},
	"subscribe":         SubscribeMsg{},
	"move":              MoveMsg{},
	"cell":              CellMsg{},
	"altitudes":         AltitudesMsg{},
}

var uuidType = reflect.TypeOf(uuid.UUID{})

// SchemaNames lists the message schemas Schema can produce.
func SchemaNames() []string {
	names := make([]string, 0, len(schemaTypes))
	for n := range schemaTypes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Schema returns the JSON schema of a wire message, reflected from its Go
// type.
func Schema(name string) ([]byte, error) {
	v, ok := schemaTypes[name]
	if !ok {
		return nil, Errorf(NotFound, "schema %q", name)
	}
	r := &reflectschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
		Mapper: func(t reflect.Type) *reflectschema.Schema {
			if t == uuidType {
				return &reflectschema.Schema{Type: "string", Format: "uuid"}
			}
			return nil
		},
	}
	s := r.Reflect(v)
	s.Title = name
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return b, nil
}

var (
	compiledMu sync.Mutex
	compiled   = map[string]*jsonschema.Schema{}
)

func compiledSchema(name string) (*jsonschema.Schema, error) {
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if s, ok := compiled[name]; ok {
		return s, nil
	}
	b, err := Schema(name)
	if err != nil {
		return nil, err
	}
	s, err := jsonschema.CompileString(name+".schema.json", string(b))
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	compiled[name] = s
	return s, nil
}

// Validate checks raw JSON against the named message schema.
func Validate(name string, raw []byte) error {
	s, err := compiledSchema(name)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Errorf(BadRequest, "%s: %v", name, err)
	}
	if err := s.Validate(v); err != nil {
		return Errorf(BadRequest, "%s: %v", name, err)
	}
	return nil
}
