package config

import (
	"testing"

	"go.viam.com/test"
)

func TestAttributeMapAccessors(t *testing.T) {
	am := AttributeMap{
		"name":      "reader1",
		"threshold": 12,
		"ratio":     3.0,
		"enabled":   true,
	}

	test.That(t, am.Has("name"), test.ShouldBeTrue)
	test.That(t, am.Has("missing"), test.ShouldBeFalse)
	test.That(t, am.String("name"), test.ShouldEqual, "reader1")
	test.That(t, am.String("threshold"), test.ShouldEqual, "")
	test.That(t, am.Int("threshold", 0), test.ShouldEqual, 12)
	test.That(t, am.Int("ratio", 0), test.ShouldEqual, 3)
	test.That(t, am.Int("missing", 7), test.ShouldEqual, 7)
	test.That(t, am.Bool("enabled", false), test.ShouldBeTrue)
	test.That(t, am.Bool("missing", true), test.ShouldBeTrue)
}

func TestTransformAttributeMapToStruct(t *testing.T) {
	type attrConfig struct {
		MatchThreshold int    `json:"match_threshold"`
		SocketPath     string `json:"socket_path,omitempty"`
	}

	var conf attrConfig
	_, err := TransformAttributeMapToStruct(&conf, AttributeMap{
		"match_threshold": 9,
		"socket_path":     "/tmp/fp.sock",
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.MatchThreshold, test.ShouldEqual, 9)
	test.That(t, conf.SocketPath, test.ShouldEqual, "/tmp/fp.sock")

	var partial attrConfig
	_, err = TransformAttributeMapToStruct(&partial, AttributeMap{"match_threshold": 40})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, partial.MatchThreshold, test.ShouldEqual, 40)
	test.That(t, partial.SocketPath, test.ShouldEqual, "")
}
