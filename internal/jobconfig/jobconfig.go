// ============================================================================
// Writer Group Job Configuration
// ============================================================================
//
// Package: internal/jobconfig
// File: jobconfig.go
// Purpose: The opaque JobConfiguration payload carried by writer-group jobs.
//
// Encoding:
//   Core Deterministic CBOR (RFC 8949 §4.2). Equal configurations always
//   produce identical bytes, so a placement diff is a byte comparison.
//
// Messaging modes:
//   A closed set. Each mode maps to exactly one encoder strategy, chosen
//   once when the configuration is built and never per message.
//
// ============================================================================

package jobconfig

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// KindWriterGroup tags a payload as a writer group configuration.
const KindWriterGroup = "writerGroup"

var (
	// ErrNotWriterGroup is returned when decoding a payload of another kind.
	ErrNotWriterGroup = errors.New("job configuration is not a writer group")
	// ErrUnknownMessagingMode wraps types.ErrValidation.
	ErrUnknownMessagingMode = fmt.Errorf("unknown messaging mode: %w", types.ErrValidation)
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("jobconfig: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("jobconfig: CBOR decoder initialization failed: " + err.Error())
	}
}

// MessagingMode selects how a writer group frames its telemetry.
type MessagingMode string

const (
	ModePubSub              MessagingMode = "PubSub"
	ModeSamples             MessagingMode = "Samples"
	ModeFullNetworkMessages MessagingMode = "FullNetworkMessages"
	ModeFullSamples         MessagingMode = "FullSamples"
	ModeDataSetMessages     MessagingMode = "DataSetMessages"
	ModeRawDataSets         MessagingMode = "RawDataSets"
)

// EncoderStrategy names the encoder an agent runs for a messaging mode.
type EncoderStrategy struct {
	Name string
	// NetworkMessageHeader is true when messages are wrapped in a
	// network message envelope.
	NetworkMessageHeader bool
	// Reversible is true when the encoding keeps field metadata so a
	// consumer can rebuild the dataset without external schema.
	Reversible bool
}

var strategies = map[MessagingMode]EncoderStrategy{
	ModePubSub:              {Name: "network-message", NetworkMessageHeader: true, Reversible: true},
	ModeSamples:             {Name: "monitored-item-samples"},
	ModeFullNetworkMessages: {Name: "network-message", NetworkMessageHeader: true, Reversible: true},
	ModeFullSamples:         {Name: "monitored-item-samples", Reversible: true},
	ModeDataSetMessages:     {Name: "dataset-message", Reversible: true},
	ModeRawDataSets:         {Name: "raw-dataset"},
}

// ParseMessagingMode resolves s case-insensitively. An empty string selects
// ModePubSub.
func ParseMessagingMode(s string) (MessagingMode, error) {
	if s == "" {
		return ModePubSub, nil
	}
	for mode := range strategies {
		if strings.EqualFold(string(mode), s) {
			return mode, nil
		}
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnknownMessagingMode)
}

// EncoderStrategy returns the strategy for m.
func (m MessagingMode) EncoderStrategy() (EncoderStrategy, error) {
	s, ok := strategies[m]
	if !ok {
		return EncoderStrategy{}, fmt.Errorf("%q: %w", string(m), ErrUnknownMessagingMode)
	}
	return s, nil
}

// DataSetWriter publishes one dataset of a writer group.
type DataSetWriter struct {
	ID          string   `cbor:"id" yaml:"id" json:"id"`
	DataSetName string   `cbor:"dataSetName,omitempty" yaml:"dataset_name,omitempty" json:"dataset_name,omitempty"`
	Endpoint    string   `cbor:"endpoint,omitempty" yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	NodeIDs     []string `cbor:"nodeIds,omitempty" yaml:"node_ids,omitempty" json:"node_ids,omitempty"`
}

// WriterGroupConfig is the configuration of one writer group job.
type WriterGroupConfig struct {
	Kind               string          `cbor:"kind" yaml:"-" json:"kind"`
	WriterGroupID      string          `cbor:"writerGroupId" yaml:"-" json:"writer_group_id"`
	Name               string          `cbor:"name,omitempty" yaml:"-" json:"name,omitempty"`
	MessagingMode      MessagingMode   `cbor:"messagingMode" yaml:"messaging_mode" json:"messaging_mode"`
	PublishingInterval time.Duration   `cbor:"publishingInterval,omitempty" yaml:"publishing_interval,omitempty" json:"publishing_interval,omitempty"`
	KeepAliveTime      time.Duration   `cbor:"keepAliveTime,omitempty" yaml:"keep_alive_time,omitempty" json:"keep_alive_time,omitempty"`
	DataSetWriters     []DataSetWriter `cbor:"dataSetWriters,omitempty" yaml:"dataset_writers,omitempty" json:"dataset_writers,omitempty"`

	// ConnectionIdentity is attached by the provisioning hook, never by
	// the operator.
	ConnectionIdentity string `cbor:"connectionIdentity,omitempty" yaml:"-" json:"connection_identity,omitempty"`
}

// Validate checks the messaging mode and writer ids.
func (c WriterGroupConfig) Validate() error {
	if c.WriterGroupID == "" {
		return fmt.Errorf("writer group id is required: %w", types.ErrValidation)
	}
	if _, err := c.MessagingMode.EncoderStrategy(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.DataSetWriters))
	for _, w := range c.DataSetWriters {
		if w.ID == "" {
			return fmt.Errorf("writer group %s: dataset writer without id: %w", c.WriterGroupID, types.ErrValidation)
		}
		if seen[w.ID] {
			return fmt.Errorf("writer group %s: duplicate dataset writer %s: %w", c.WriterGroupID, w.ID, types.ErrValidation)
		}
		seen[w.ID] = true
	}
	return nil
}

// Encode validates c and returns its deterministic CBOR bytes. Kind is
// always set to KindWriterGroup and an empty mode is normalized to PubSub.
func Encode(c WriterGroupConfig) ([]byte, error) {
	c.Kind = KindWriterGroup
	mode, err := ParseMessagingMode(string(c.MessagingMode))
	if err != nil {
		return nil, err
	}
	c.MessagingMode = mode
	if err := c.Validate(); err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode writer group %s: %w", c.WriterGroupID, err)
	}
	return data, nil
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (WriterGroupConfig, error) {
	var c WriterGroupConfig
	if err := decMode.Unmarshal(data, &c); err != nil {
		return WriterGroupConfig{}, fmt.Errorf("failed to decode job configuration: %w", err)
	}
	if c.Kind != KindWriterGroup {
		return WriterGroupConfig{}, fmt.Errorf("%w: kind %q", ErrNotWriterGroup, c.Kind)
	}
	if err := c.Validate(); err != nil {
		return WriterGroupConfig{}, err
	}
	return c, nil
}

// Equal reports whether two encoded payloads describe the same configuration.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// Declared returns the payload without provisioned fields, i.e. the part an
// operator declares. Use it to diff a stored payload against a desired one.
func Declared(data []byte) ([]byte, error) {
	c, err := Decode(data)
	if err != nil {
		return nil, err
	}
	c.ConnectionIdentity = ""
	return Encode(c)
}

// WithIdentity returns data with its connection identity replaced.
func WithIdentity(data []byte, identity string) ([]byte, error) {
	c, err := Decode(data)
	if err != nil {
		return nil, err
	}
	c.ConnectionIdentity = identity
	return Encode(c)
}
