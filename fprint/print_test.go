package fprint

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/verasense/fpdev/fpimage"
)

type fixedMatcher struct {
	score int
	err   error
}

func (m *fixedMatcher) Detect(ctx context.Context, img *fpimage.Image) (*Print, error) {
	return NewFromTemplate("fixed", img.Data), nil
}

func (m *fixedMatcher) Score(ctx context.Context, enrolled, candidate *Print) (int, error) {
	return m.score, m.err
}

func TestPrintAppend(t *testing.T) {
	p := New("aes4000")
	test.That(t, p.DriverID, test.ShouldEqual, "aes4000")
	test.That(t, len(p.Templates()), test.ShouldEqual, 0)

	p.Append(NewFromTemplate("aes4000", []byte("stage1")))
	p.Append(NewFromTemplate("aes4000", []byte("stage2")))
	p.Append(nil)
	test.That(t, len(p.Templates()), test.ShouldEqual, 2)
	test.That(t, p.Templates()[1], test.ShouldResemble, []byte("stage2"))
}

func TestMatch(t *testing.T) {
	ctx := context.Background()
	enrolled := NewFromTemplate("fixed", []byte("enrolled"))
	candidate := NewFromTemplate("fixed", []byte("candidate"))

	result, err := Match(ctx, &fixedMatcher{score: DefaultMatchThreshold}, DefaultMatchThreshold, enrolled, candidate)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result, test.ShouldEqual, MatchSuccess)

	result, err = Match(ctx, &fixedMatcher{score: DefaultMatchThreshold - 1}, DefaultMatchThreshold, enrolled, candidate)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result, test.ShouldEqual, MatchFail)

	scoreErr := errors.New("template corrupt")
	result, err = Match(ctx, &fixedMatcher{err: scoreErr}, DefaultMatchThreshold, enrolled, candidate)
	test.That(t, errors.Is(err, scoreErr), test.ShouldBeTrue)
	test.That(t, result, test.ShouldEqual, MatchError)

	result, err = Match(ctx, &fixedMatcher{score: 100}, DefaultMatchThreshold, nil, candidate)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, result, test.ShouldEqual, MatchError)
}
