package feed

import (
	"context"

	"github.com/italolelis/video_cache/internal/content"
	"github.com/italolelis/video_cache/internal/telemetry"
)

// InstrumentedSource wraps a Source with spans.
type InstrumentedSource struct {
	source    Source
	telemetry *telemetry.Telemetry
	component string
}

func NewInstrumentedSource(source Source, tel *telemetry.Telemetry, component string) *InstrumentedSource {
	return &InstrumentedSource{source: source, telemetry: tel, component: component}
}

func (s *InstrumentedSource) Authenticate(ctx context.Context) error {
	return s.telemetry.InstrumentOperation(ctx, "feed_authenticate", s.component, s.source.Authenticate)
}

func (s *InstrumentedSource) Entries(ctx context.Context) ([]Entry, error) {
	var entries []Entry

	err := s.telemetry.InstrumentOperation(ctx, "feed_entries", s.component, func(ctx context.Context) error {
		var err error

		entries, err = s.source.Entries(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (s *InstrumentedSource) Resolve(ctx context.Context, entry Entry) (content.Descriptor, error) {
	var d content.Descriptor

	err := s.telemetry.InstrumentOperation(ctx, "feed_resolve", s.component, func(ctx context.Context) error {
		var err error

		d, err = s.source.Resolve(ctx, entry)

		return err
	})

	return d, err
}
