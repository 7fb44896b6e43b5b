// Package fprint contains the print container produced by capture sessions
// and the contract for the external minutiae/matching oracle.
package fprint

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/verasense/fpdev/fpimage"
)

// MatchResult is the outcome of comparing a candidate print against an
// enrolled one.
type MatchResult int

// Match outcomes.
const (
	MatchError MatchResult = iota
	MatchFail
	MatchSuccess
)

func (r MatchResult) String() string {
	switch r {
	case MatchFail:
		return "fail"
	case MatchSuccess:
		return "success"
	default:
		return "error"
	}
}

// Print is a fingerprint template. During enrollment one print accumulates
// the per-stage templates extracted from each captured image.
type Print struct {
	ID       uuid.UUID
	DriverID string

	templates [][]byte
}

// New creates an empty print owned by the given driver.
func New(driverID string) *Print {
	return &Print{ID: uuid.New(), DriverID: driverID}
}

// NewFromTemplate creates a single-template print, the shape the oracle
// returns from minutiae detection.
func NewFromTemplate(driverID string, template []byte) *Print {
	p := New(driverID)
	p.templates = [][]byte{template}
	return p
}

// Append merges the templates of other into p. Used to fold each enroll
// stage's sample into the print under construction.
func (p *Print) Append(other *Print) {
	if other == nil {
		return
	}
	p.templates = append(p.templates, other.templates...)
}

// Templates exposes the opaque per-stage templates for the oracle.
func (p *Print) Templates() [][]byte {
	return p.templates
}

// Matcher is the external scoring oracle. Detect extracts a minutiae
// template from a normalized image; Score compares a candidate against an
// enrolled print and returns a similarity score.
type Matcher interface {
	Detect(ctx context.Context, img *fpimage.Image) (*Print, error)
	Score(ctx context.Context, enrolled, candidate *Print) (int, error)
}

// DefaultMatchThreshold is the score at or above which two prints are
// considered the same finger, for devices that do not tune it.
const DefaultMatchThreshold = 40

// Match scores candidate against enrolled and applies threshold.
func Match(ctx context.Context, m Matcher, threshold int, enrolled, candidate *Print) (MatchResult, error) {
	if enrolled == nil || candidate == nil {
		return MatchError, errors.New("cannot match a nil print")
	}
	score, err := m.Score(ctx, enrolled, candidate)
	if err != nil {
		return MatchError, err
	}
	if score >= threshold {
		return MatchSuccess, nil
	}
	return MatchFail, nil
}
