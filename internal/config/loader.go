package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKeys name the directive pulling other files in. "$include" is the
// canonical spelling; "include" is accepted for formats where $ is awkward.
var includeKeys = []string{"$include", "include"}

// parsers decode one config document by file extension. Anything not listed
// is read as YAML.
var parsers = map[string]func([]byte) (map[string]any, error){
	".json":  parseJSON5,
	".json5": parseJSON5,
	".toml":  parseTOML,
}

// LoadRaw reads the file at path into a raw map with every $include resolved.
// Included files merge first, in order, so the including file wins.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	var l includeLoader
	return l.load(path)
}

type includeLoader struct {
	// chain is the include path from the root file to the one being read.
	chain []string
}

func (l *includeLoader) load(path string) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, open := range l.chain {
		if open == absPath {
			return nil, fmt.Errorf("config include cycle: %s -> %s", strings.Join(l.chain, " -> "), absPath)
		}
	}
	l.chain = append(l.chain, absPath)
	defer func() { l.chain = l.chain[:len(l.chain)-1] }()

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument(absPath, []byte(expandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	includes, err := popIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(absPath), inc)
		}
		included, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		mergeMaps(merged, included)
	}
	mergeMaps(merged, doc)
	return merged, nil
}

// expandEnv substitutes ${VAR} and $VAR. $include survives expansion.
func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		if name == "include" {
			return "$include"
		}
		return os.Getenv(name)
	})
}

func parseDocument(path string, data []byte) (map[string]any, error) {
	parse, ok := parsers[strings.ToLower(filepath.Ext(path))]
	if !ok {
		parse = parseYAML
	}
	doc, err := parse(data)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func parseJSON5(data []byte) (map[string]any, error) {
	var doc map[string]any
	err := json5.Unmarshal(data, &doc)
	return doc, err
}

func parseTOML(data []byte) (map[string]any, error) {
	doc := map[string]any{}
	_, err := toml.Decode(string(data), &doc)
	return doc, err
}

func parseYAML(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := decodeSingleYAML(data, &doc, false); err != nil {
		return nil, err
	}
	return doc, nil
}

// decodeSingleYAML decodes exactly one YAML document into out.
func decodeSingleYAML(data []byte, out any, strict bool) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(strict)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("expected a single YAML document")
	}
	return nil
}

// popIncludes removes the include directive from doc and returns its paths.
func popIncludes(doc map[string]any) ([]string, error) {
	for _, key := range includeKeys {
		value, ok := doc[key]
		if !ok {
			continue
		}
		delete(doc, key)

		var paths []string
		switch typed := value.(type) {
		case nil:
		case string:
			paths = append(paths, typed)
		case []any:
			for _, entry := range typed {
				s, ok := entry.(string)
				if !ok {
					return nil, fmt.Errorf("%s entries must be strings", key)
				}
				paths = append(paths, s)
			}
		default:
			return nil, fmt.Errorf("%s must be a string or a list of strings", key)
		}

		out := paths[:0]
		for _, p := range paths {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}
	return nil, nil
}

// mergeMaps deep-merges src into dst. Nested maps merge key by key; any other
// value in src replaces the one in dst.
func mergeMaps(dst, src map[string]any) {
	for key, value := range src {
		next, isMap := value.(map[string]any)
		prev, hadMap := dst[key].(map[string]any)
		if isMap && hadMap {
			mergeMaps(prev, next)
			continue
		}
		dst[key] = value
	}
}

// decodeRawConfig round-trips the merged map through YAML so that unknown
// keys are rejected and durations parse the same way in every format.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	if err := decodeSingleYAML(payload, &cfg, true); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
