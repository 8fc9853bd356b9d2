package suite

import (
	"encoding/json"
	"errors"
	"fmt"
)

// APIVersion is the only suite schema version understood. An empty
// apiVersion means this one.
const APIVersion = "kaizen/v1alpha1"

// TypeMeta identifies the document type of a suite file.
type TypeMeta struct {
	APIVersion string `json:"apiVersion,omitempty"`
	Kind       string `json:"kind"`
}

func (t *TypeMeta) validate() error {
	var err error
	if t.APIVersion != "" && t.APIVersion != APIVersion {
		err = errors.Join(err, fmt.Errorf("unsupported apiVersion %q: expected %q", t.APIVersion, APIVersion))
	}
	if t.Kind != KindTestSuite {
		err = errors.Join(err, fmt.Errorf("invalid kind %q: expected %q", t.Kind, KindTestSuite))
	}
	return err
}

// decodeSuite refuses documents of another kind before decoding into target,
// so a misplaced file fails on its kind rather than on some field.
func decodeSuite(data []byte, target any) error {
	var head TypeMeta
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	if head.Kind != KindTestSuite {
		return fmt.Errorf("cannot decode kind %q as %s", head.Kind, KindTestSuite)
	}
	return json.Unmarshal(data, target)
}
