package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestNewProvider_DisabledIsNoop(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())

	// Spans on the no-op tracer are inert but safe.
	_, span := p.Tracer().Start(context.Background(), "anything")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_UnknownExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "jaeger"})
	require.ErrorContains(t, err, "unsupported exporter")
}

func TestNewProvider_FileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "file"})
	require.ErrorContains(t, err, "file_path")
}

func TestFileExporter_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")

	p, err := NewProvider(Config{
		Enabled:    true,
		Exporter:   "file",
		FilePath:   path,
		SampleRate: 1.0,
	})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	ctx, parent := p.Tracer().Start(context.Background(), "orchestrator.start",
		trace.WithAttributes(attribute.String("orchestrator.id", "o1")))
	_, child := p.Tracer().Start(ctx, "pool.spawn")
	child.End()
	parent.End()

	require.NoError(t, p.Shutdown(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var records []SpanRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec SpanRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, records, 2)

	byName := make(map[string]SpanRecord, len(records))
	for _, rec := range records {
		require.NotEmpty(t, rec.TraceID)
		require.NotEmpty(t, rec.SpanID)
		byName[rec.Name] = rec
	}
	parentRec, ok := byName["orchestrator.start"]
	require.True(t, ok)
	require.Equal(t, "o1", parentRec.Attributes["orchestrator.id"])

	childRec, ok := byName["pool.spawn"]
	require.True(t, ok)
	require.Equal(t, parentRec.SpanID, childRec.ParentSpanID)
	require.Equal(t, parentRec.TraceID, childRec.TraceID)
}
