package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berkmancenter/linkage-point/config"
	"github.com/berkmancenter/linkage-point/fieldenc"
	"github.com/berkmancenter/linkage-point/types"
)

func testConfig() config.Config {
	return config.Config{
		Server:    config.Server{Listen: "127.0.0.1:0", BodyLimit: "64K", ShutdownTimeout: time.Second},
		Linkage:   config.Linkage{Timeout: time.Second, SweepInterval: 10 * time.Millisecond},
		Log:       config.Log{Level: "error"},
		Parties:   []config.Party{{ID: "TUDA1", Pad: 15}, {ID: "TUDA2", Pad: 13}},
		Algorithm: fieldenc.DefaultAlgorithm(),
	}
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(bytes.NewBufferString(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	out, err := run(t, "", "keygen", "--party", "TUDA3", "--pad", "12", "--scheme", "aead")
	require.NoError(t, err)

	var parsed struct {
		Parties []config.Party `yaml:"parties"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &parsed))
	require.Len(t, parsed.Parties, 1)
	p := parsed.Parties[0]
	assert.Equal(t, "TUDA3", p.ID)
	assert.Equal(t, 12, p.Pad)
	assert.Equal(t, "aead", p.Scheme)

	key, err := base64.StdEncoding.DecodeString(p.Key)
	require.NoError(t, err)
	assert.Len(t, key, 32)
	pub, err := base64.StdEncoding.DecodeString(p.PublicKey)
	require.NoError(t, err)
	assert.Len(t, pub, 32)
	assert.Contains(t, out, "# private key for TUDA3")
}

func TestKeygen_Errors(t *testing.T) {
	_, err := run(t, "", "keygen")
	assert.Error(t, err, "--party is required")

	_, err = run(t, "", "keygen", "--party", "X", "--scheme", "ecb")
	assert.Error(t, err)

	_, err = run(t, "", "keygen", "--party", "X", "--pad", "0")
	assert.Error(t, err)
}

func TestEncode(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Chdir(dir)

	cfgPath := filepath.Join(dir, "linkpoint.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
algorithm:
  bloom_length: 64
fields:
  - name: surname
    comparator: bitmask
    type: string
  - name: birthyear
    comparator: binary
    type: integer
    bitsize: 16
`), 0o600))

	fields := []fieldenc.FieldSpec{
		{Name: "surname", Comparator: fieldenc.ComparatorBitmask, Type: fieldenc.TypeString},
		{Name: "birthyear", Comparator: fieldenc.ComparatorBinary, Type: fieldenc.TypeInteger, BitSize: 16},
	}
	algo := fieldenc.DefaultAlgorithm()
	algo.BloomLength = 64
	enc, err := fieldenc.NewEncoder(algo, fields...)
	require.NoError(t, err)
	want, err := enc.EncodeRecord(map[string]any{"surname": "Meier", "birthyear": 1984})
	require.NoError(t, err)
	wantJSON, err := json.Marshal(want)
	require.NoError(t, err)

	out, err := run(t, `{"surname":"Meier","birthyear":1984}`, "encode", "--config", cfgPath)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), out)

	out, err = run(t, `[{"surname":"Meier","birthyear":1984},{"surname":""}]`, "encode", "--config", cfgPath)
	require.NoError(t, err)
	var many []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &many))
	require.Len(t, many, 2)
	assert.Nil(t, many[1]["surname"])
	assert.Nil(t, many[1]["birthyear"])

	_, err = run(t, `{"nickname":"x"}`, "encode", "--config", cfgPath)
	assert.ErrorIs(t, err, fieldenc.ErrUnknownField)
}

func TestEncode_NoFields(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Chdir(dir)

	_, err := run(t, `{}`, "encode")
	assert.EqualError(t, err, "no fields configured")
}

func TestNewServer_Routes(t *testing.T) {
	srv, err := newServer(context.Background(), testConfig())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/freshIds/TUDA1?count=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.FreshIDsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.LinkageIDs, 2)

	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

type closingCounter struct {
	closed int
}

func (c *closingCounter) Reserve(context.Context, string, uint64) (uint64, error) {
	return 0, nil
}

func (c *closingCounter) Close() error {
	c.closed++
	return nil
}

func TestServer_CloseReleasesCounter(t *testing.T) {
	srv, err := newServer(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Nil(t, srv.counter, "counters stay in memory without redis.url")
	assert.NoError(t, srv.close())

	counter := &closingCounter{}
	srv.counter = counter
	require.NoError(t, srv.close())
	assert.Equal(t, 1, counter.closed)
}

func TestNewServer_AuthNeedsPartyKeys(t *testing.T) {
	c := testConfig()
	c.Auth.Enabled = true
	_, err := newServer(context.Background(), c)
	assert.Error(t, err)
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, testConfig())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
