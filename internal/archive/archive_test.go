package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/autopatch/internal/change"
	"github.com/breeze-rmm/autopatch/internal/logging"
)

func testArtifact() change.Artifact {
	return change.Artifact{
		Title:        "AUTO-PATCH: CVE-2025-0001",
		Body:         "## AutoPatch plan\n",
		Slug:         "autopatch-cve-2025-0001",
		EligibleCVEs: []string{"CVE-2025-0001"},
		DeferredCVEs: []string{},
	}
}

func TestContainedPathRejectsTraversal(t *testing.T) {
	base := t.TempDir()

	_, err := containedPath(base, "../escape.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path traversal")

	got, err := containedPath(base, "a/b.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "a", "b.json"), got)
}

func TestLocalProviderPut(t *testing.T) {
	base := t.TempDir()
	p := NewLocalProvider(base)

	require.NoError(t, p.Put(context.Background(), "x/y/plan.json", []byte("{}\n")))

	data, err := os.ReadFile(filepath.Join(base, "x", "y", "plan.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))

	entries, err := os.ReadDir(filepath.Join(base, "x", "y"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestLocalProviderPutErrors(t *testing.T) {
	p := NewLocalProvider(t.TempDir())

	assert.Error(t, p.Put(context.Background(), "", nil))
	assert.Error(t, p.Put(context.Background(), "../../etc/passwd", nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Put(ctx, "a.json", nil), context.Canceled)

	empty := &LocalProvider{}
	assert.Error(t, empty.Put(context.Background(), "a.json", nil))
}

func TestSubmitterWritesLocalArchive(t *testing.T) {
	base := t.TempDir()
	s := NewSubmitter(NewLocalProvider(base), "autopatch", nil)

	res, err := change.Submit(context.Background(), s, testArtifact())
	require.NoError(t, err)
	assert.Equal(t, "archive", res.Submitter)
	assert.Equal(t, "autopatch/autopatch-cve-2025-0001", res.Reference)
	assert.Equal(t, filepath.Join(base, "autopatch", "autopatch-cve-2025-0001"), res.Location)

	for _, name := range []string{change.PlanMarkdownFile, change.PlanJSONFile} {
		_, err := os.Stat(filepath.Join(res.Location, name))
		assert.NoError(t, err, name)
	}
	_, err = os.Stat(filepath.Join(res.Location, change.PlaybookFile))
	assert.True(t, os.IsNotExist(err))
}

func TestSubmitterLogsThroughContextLogger(t *testing.T) {
	var injected, run bytes.Buffer
	s := NewSubmitter(NewLocalProvider(t.TempDir()), "autopatch", slog.New(slog.NewTextHandler(&injected, nil)))

	ctx := logging.NewContext(context.Background(), logging.WithRun(slog.New(slog.NewTextHandler(&run, nil)), "run-3", "scan.json"))
	_, err := s.Submit(ctx, testArtifact())
	require.NoError(t, err)

	assert.Contains(t, run.String(), "archived change artifact")
	assert.Contains(t, run.String(), "runId=run-3")
	assert.Empty(t, injected.String())

	_, err = s.Submit(context.Background(), testArtifact())
	require.NoError(t, err)
	assert.Contains(t, injected.String(), "archived change artifact")
}

type fakeS3 struct {
	puts map[string]string
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	if f.puts == nil {
		f.puts = map[string]string{}
	}
	f.puts[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = aws.ToString(in.ContentType) + "|" + string(body)
	return &s3.PutObjectOutput{}, nil
}

func TestSubmitterWritesS3Archive(t *testing.T) {
	fake := &fakeS3{}
	s := NewSubmitter(&S3Provider{Bucket: "patches", client: fake}, "autopatch", nil)

	res, err := s.Submit(context.Background(), testArtifact())
	require.NoError(t, err)
	assert.Equal(t, "s3://patches/autopatch/autopatch-cve-2025-0001", res.Location)

	require.Len(t, fake.puts, 2)
	assert.Contains(t, fake.puts["patches/autopatch/autopatch-cve-2025-0001/plan.json"], "application/json|")
	assert.Contains(t, fake.puts["patches/autopatch/autopatch-cve-2025-0001/PATCH_PLAN.md"], "AUTO-PATCH: CVE-2025-0001")
}

func TestSubmitterS3FailureIsSubmissionError(t *testing.T) {
	cause := errors.New("AccessDenied")
	s := NewSubmitter(&S3Provider{Bucket: "patches", client: &fakeS3{err: cause}}, "autopatch", nil)

	_, err := change.Submit(context.Background(), s, testArtifact())

	var subErr *change.SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, "archive", subErr.Submitter)
	assert.ErrorIs(t, err, cause)
}

func TestNewS3ProviderRequiresBucketAndRegion(t *testing.T) {
	_, err := NewS3Provider(context.Background(), S3Options{Bucket: "patches"})
	assert.Error(t, err)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", contentType("a/plan.json"))
	assert.Equal(t, "application/yaml", contentType("a/playbook.yaml"))
	assert.Equal(t, "text/markdown; charset=utf-8", contentType("a/PATCH_PLAN.md"))
	assert.Equal(t, "application/octet-stream", contentType("a/blob"))
}
