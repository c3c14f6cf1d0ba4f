package discovery

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"

	"github.com/xlttj/pbiproxy/pkg/config"
)

func utf16le(t *testing.T, s string) []byte {
	t.Helper()
	b, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
	require.NoError(t, err)
	return b
}

func TestParsePortFile(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    int
		wantErr bool
	}{
		{"utf16", nil, 51234, false},
		{"utf16 with nul and newline", nil, 51235, false},
		{"utf8", []byte("60001\r\n"), 60001, false},
		{"utf8 with nul padding", []byte("60002\x00\x00"), 60002, false},
		{"empty", []byte{}, 0, true},
		{"garbage", []byte("port"), 0, true},
		{"out of range", []byte("70000"), 0, true},
	}
	tests[0].data = utf16le(t, "51234")
	tests[1].data = utf16le(t, "51235\x00\r\n")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePortFile(tt.data)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPortFile)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFallbackName(t *testing.T) {
	assert.Equal(t, "Workspace-short", fallbackName("short"))
	assert.Equal(t, "Workspace-Analysis", fallbackName("AnalysisServicesWorkspace_1234"))
	assert.Equal(t, "Workspace-12345678901234567890", fallbackName("12345678901234567890"))
}

type fakeResolver map[string]ProcessInfo

func (f fakeResolver) Resolve(dir string) (ProcessInfo, bool) {
	info, ok := f[filepath.Base(dir)]
	return info, ok
}

func writeWorkspace(t *testing.T, root, id string, content []byte, mod time.Time) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Data"), 0o755))
	if content != nil {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "Data", "msmdsrv.port.txt"), content, 0o644))
	}
	require.NoError(t, os.Chtimes(dir, mod, mod))
	return dir
}

func TestWorkspaceDetector(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	writeWorkspace(t, root, "AnalysisServicesWorkspace_old_000001", utf16le(t, "50001"), now.Add(-time.Hour))
	newer := writeWorkspace(t, root, "ws2", []byte("50002"), now)
	writeWorkspace(t, root, "nofile", nil, now)
	writeWorkspace(t, root, "broken", []byte("nope"), now)
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))

	d := &WorkspaceDetector{Root: root, Processes: fakeResolver{
		"ws2": {ProcessID: 42, ParentProcessID: 7, FriendlyName: "Sales"},
	}}
	require.True(t, d.IsSourcePathValid())

	got, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "Sales", got[0].ModelName)
	assert.Equal(t, 42, got[0].ProcessID)
	assert.Equal(t, 7, got[0].ParentProcessID)
	assert.Equal(t, 50002, got[0].TargetPort)
	assert.Equal(t, newer, got[0].FilePath)

	assert.Equal(t, "Workspace-Analysis", got[1].ModelName)
	assert.Equal(t, 0, got[1].ProcessID)
	assert.Equal(t, 50001, got[1].TargetPort)
}

type fakeCatalogs map[int]string

func (f fakeCatalogs) DatabaseName(_ context.Context, port int) (string, error) {
	name, ok := f[port]
	if !ok {
		return "", errors.New("connection refused")
	}
	return name, nil
}

func TestWorkspaceDetectorCatalogs(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	writeWorkspace(t, root, "ws1", []byte("50001"), now.Add(-time.Minute))
	writeWorkspace(t, root, "ws2", []byte("50002"), now)

	d := &WorkspaceDetector{Root: root, Catalogs: fakeCatalogs{50002: "sales-db"}}
	got, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 50002, got[0].TargetPort)
	assert.Equal(t, "sales-db", got[0].DatabaseName)
	assert.Equal(t, 50001, got[1].TargetPort)
	assert.Empty(t, got[1].DatabaseName, "a failed lookup leaves the name empty")
}

func TestWorkspaceDetectorMissingRoot(t *testing.T) {
	d := NewWorkspaceDetector(filepath.Join(t.TempDir(), "missing"))
	assert.False(t, d.IsSourcePathValid())
	got, err := d.Detect(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileDetector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.yaml")
	doc := `instances:
  - name: Sales
    port: 50001
    pid: 10
  - port: 50002
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	d := &FileDetector{Path: path}
	require.True(t, d.IsSourcePathValid())
	got, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Sales", got[0].ModelName)
	assert.Equal(t, 10, got[0].ProcessID)
	assert.Equal(t, "Workspace-50002", got[1].ModelName)
	assert.NotEqual(t, got[0].FilePath, got[1].FilePath)

	require.NoError(t, os.WriteFile(path, []byte("instances:\n  - port: 0\n"), 0o600))
	_, err = d.Detect(context.Background())
	assert.Error(t, err)
}

func TestStaticDetector(t *testing.T) {
	d := NewStaticDetector(Instance{ModelName: "A", TargetPort: 1})
	got, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)

	d.Set()
	got, _ = d.Detect(context.Background())
	assert.Empty(t, got)

	d.SetError(assert.AnError)
	_, err = d.Detect(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestSessionAcceptAll(t *testing.T) {
	cfg := config.DefaultConfiguration()
	cfg.PortMappings = []config.PortMappingRule{{ModelNamePattern: "Mapped", FixedPort: 55555}}

	var out bytes.Buffer
	s := &Session{
		Detector: NewStaticDetector(
			Instance{ModelName: "Mapped", TargetPort: 1, FilePath: "a"},
			Instance{ModelName: "Sales", TargetPort: 2, FilePath: "b"},
			Instance{ModelName: "Untitled", TargetPort: 3, FilePath: "c"},
			Instance{ModelName: "Finance", TargetPort: 4, FilePath: "d"},
		),
		Config:    cfg,
		PortInUse: func(port int) bool { return port == 55556 },
		Out:       &out,
	}

	rules, err := s.Run(context.Background(), Options{AcceptAll: true})
	require.NoError(t, err)
	assert.Equal(t, []config.PortMappingRule{
		{ModelNamePattern: "Sales", FixedPort: 55557},
		{ModelNamePattern: "Finance", FixedPort: 55558},
	}, rules)
}

func TestSessionInteractive(t *testing.T) {
	s := &Session{
		Detector: NewStaticDetector(
			Instance{ModelName: "A", TargetPort: 1, FilePath: "a"},
			Instance{ModelName: "B", TargetPort: 2, FilePath: "b"},
			Instance{ModelName: "C", TargetPort: 3, FilePath: "c"},
		),
		Config: config.DefaultConfiguration(),
		In:     strings.NewReader("n\nwhat\na\n"),
		Out:    &bytes.Buffer{},
	}
	rules, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "B", rules[0].ModelNamePattern)
	assert.Equal(t, "C", rules[1].ModelNamePattern)
}

func TestSessionQuit(t *testing.T) {
	s := &Session{
		Detector: NewStaticDetector(Instance{ModelName: "A", TargetPort: 1}),
		Config:   config.DefaultConfiguration(),
		In:       strings.NewReader("q\n"),
		Out:      &bytes.Buffer{},
	}
	_, err := s.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrSelectionCancelled)
}

func TestSessionWritesRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "rules.yaml")
	s := &Session{
		Detector: NewStaticDetector(Instance{ModelName: "A", TargetPort: 1}),
		Config:   config.DefaultConfiguration(),
		Out:      &bytes.Buffer{},
	}
	rules, err := s.Run(context.Background(), Options{AcceptAll: true, OutputFile: path})
	require.NoError(t, err)
	assert.Nil(t, rules)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	imported, err := config.ImportRules(f)
	require.NoError(t, err)
	assert.Equal(t, []config.PortMappingRule{{ModelNamePattern: "A", FixedPort: config.DefaultFixedPort}}, imported)
}
