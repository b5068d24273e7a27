package ledger

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxPayloadBytes bounds the size of an event payload as submitted.
const MaxPayloadBytes = 16 << 10

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://rentledger.local/schemas/"

// payloadSchema is the current schema of one event type.
type payloadSchema struct {
	version int
	schema  *jsonschema.Schema
}

// Schemas holds the current payload schema of every event type. Payloads are
// a closed union: an event type without a schema cannot be appended.
type Schemas struct {
	byType map[EventType]payloadSchema
}

var loadDefault = sync.OnceValues(func() (*Schemas, error) { return LoadSchemas(schemaFS) })

// DefaultSchemas returns the schemas compiled into the binary.
func DefaultSchemas() (*Schemas, error) { return loadDefault() }

// LoadSchemas compiles every schemas/<type>.v<N>.json file in fsys, keeping
// the highest version per event type.
func LoadSchemas(fsys fs.FS) (*Schemas, error) {
	files, err := fs.Glob(fsys, "schemas/*.json")
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	s := &Schemas{byType: make(map[EventType]payloadSchema)}
	for _, name := range files {
		t, version, err := parseSchemaName(path.Base(name))
		if err != nil {
			return nil, err
		}
		if !t.Valid() {
			return nil, fmt.Errorf("schema %s: unknown event type %q", name, t)
		}
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		url := schemaBaseURL + path.Base(name)
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		if cur, ok := s.byType[t]; !ok || version > cur.version {
			s.byType[t] = payloadSchema{version: version, schema: compiled}
		}
	}

	for _, t := range EventTypes {
		if _, ok := s.byType[t]; !ok {
			return nil, fmt.Errorf("no payload schema for %s", t)
		}
	}
	return s, nil
}

// parseSchemaName splits "rent_paid.v1.json" into (RENT_PAID, 1).
func parseSchemaName(name string) (EventType, int, error) {
	base := strings.TrimSuffix(name, ".json")
	i := strings.LastIndex(base, ".v")
	if i < 0 {
		return "", 0, fmt.Errorf("schema %s: missing version suffix", name)
	}
	v, err := strconv.Atoi(base[i+2:])
	if err != nil || v < 1 {
		return "", 0, fmt.Errorf("schema %s: bad version", name)
	}
	return EventType(strings.ToUpper(base[:i])), v, nil
}

// Version returns the current schema version of t, or 0 if t is unknown.
func (s *Schemas) Version(t EventType) int {
	return s.byType[t].version
}

// Validate checks payload against t's current schema and returns its
// canonical form and the schema version it conforms to. An empty payload is
// treated as an empty object.
func (s *Schemas) Validate(t EventType, payload []byte) ([]byte, int, error) {
	ps, ok := s.byType[t]
	if !ok {
		return nil, 0, invalid("event_type", "unknown event type %q", t)
	}
	if len(payload) > MaxPayloadBytes {
		return nil, 0, invalid("payload", "exceeds %d bytes", MaxPayloadBytes)
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, 0, invalid("payload", "malformed JSON: %v", err)
	}
	if dec.More() {
		return nil, 0, invalid("payload", "trailing data after JSON value")
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, 0, invalid("payload", "must be a JSON object")
	}
	if err := ps.schema.Validate(doc); err != nil {
		return nil, 0, invalid("payload", "%s v%d: %v", t, ps.version, err)
	}

	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, 0, invalid("payload", "%v", err)
	}
	return canonical, ps.version, nil
}
