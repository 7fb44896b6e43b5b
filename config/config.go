// Package config holds the attribute-map plumbing used to configure driver
// instances from untyped key/value data.
package config

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// An AttributeMap is a convenience wrapper for pulling out typed information
// from a driver's raw attributes.
type AttributeMap map[string]interface{}

// Has returns whether the given name is in the map.
func (am AttributeMap) Has(name string) bool {
	_, has := am[name]
	return has
}

// String attempts to return a string present in the map with the given name;
// returns an empty string otherwise.
func (am AttributeMap) String(name string) string {
	if v, ok := am[name].(string); ok {
		return v
	}
	return ""
}

// Int attempts to return an integer present in the map with the given name;
// returns the given default otherwise.
func (am AttributeMap) Int(name string, def int) int {
	v, ok := am[name]
	if !ok {
		return def
	}
	switch vv := v.(type) {
	case int:
		return vv
	case float64:
		return int(vv)
	default:
		return def
	}
}

// Bool attempts to return a boolean present in the map with the given name;
// returns the given default otherwise.
func (am AttributeMap) Bool(name string, def bool) bool {
	if v, ok := am[name].(bool); ok {
		return v
	}
	return def
}

// TransformAttributeMapToStruct uses an attribute map to transform attributes
// to the perscribed format, decoding by json field tags.
func TransformAttributeMapToStruct(to interface{}, attributes AttributeMap) (interface{}, error) {
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:  "json",
		Result:   to,
		Metadata: &md,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building attribute decoder")
	}
	if err := decoder.Decode(map[string]interface{}(attributes)); err != nil {
		return nil, errors.Wrap(err, "decoding driver attributes")
	}
	return to, nil
}
