package yamlconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/alecthomas/kong"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Loader is a kong.ConfigurationLoader for YAML files. Keys are flag names, e.g.
//
//	upstream-url: http://varnish:6081
//	retention: 5m
func Loader(r io.Reader) (kong.Resolver, error) {
	in, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading configuration")
	}
	out, err := Convert(in)
	if err != nil {
		return nil, err
	}
	return kong.JSON(bytes.NewReader(out))
}

// Convert from YAML to JSON
func Convert(in []byte) ([]byte, error) {
	var data map[interface{}]interface{}
	if err := yaml.Unmarshal(in, &data); err != nil {
		return nil, errors.Wrap(err, "parsing YAML configuration")
	}
	if data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(jsonCompatible(data))
}

// yaml.v2 decodes mappings as map[interface{}]interface{}, which encoding/json refuses
func jsonCompatible(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, val := range v {
			m[fmt.Sprintf("%v", k)] = jsonCompatible(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(v))
		for i, val := range v {
			s[i] = jsonCompatible(val)
		}
		return s
	case nil, bool, int, int64, float64, string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
