package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dropDatabas3/campusauth/internal/authmock"
	"github.com/dropDatabas3/campusauth/internal/domain/types"
	"github.com/dropDatabas3/campusauth/internal/security/secretbox"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func setup(t *testing.T) (run func(args ...string) (string, error)) {
	t.Helper()
	srv, err := authmock.New(authmock.Config{Secret: []byte("k"), BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	_, err = srv.AddUser("admin@campus.edu", "s3cret", "Ada", types.RoleAdmin)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router(authmock.RouterOptions{}))
	t.Cleanup(ts.Close)

	cfgPath := filepath.Join(t.TempDir(), "campusauth.yaml")
	yaml := fmt.Sprintf(`
log:
  level: error
api:
  base_url: %s/api/auth
storage:
  driver: memory
  namespace: campusctl-%s
session:
  disable_auto_refresh: true
`, ts.URL, t.Name())
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))

	return func(args ...string) (string, error) {
		var out bytes.Buffer
		c := &cli{OutFormat: "text", stdout: &out, stderr: &bytes.Buffer{}, stdin: strings.NewReader("")}
		root := newRootCmd(c)
		root.SetArgs(append([]string{"--config", cfgPath}, args...))
		err := root.ExecuteContext(context.Background())
		return out.String(), err
	}
}

func TestCLI_LoginStatusLogout(t *testing.T) {
	run := setup(t)

	out, err := run("status")
	require.NoError(t, err)
	require.Contains(t, out, "not authenticated: no_token")

	out, err = run("login", "--email", "admin@campus.edu", "--password", "s3cret")
	require.NoError(t, err)
	require.Contains(t, out, "logged in as admin@campus.edu (admin)")

	out, err = run("--out", "json", "whoami")
	require.NoError(t, err)
	var u types.UserProfile
	require.NoError(t, json.Unmarshal([]byte(out), &u))
	require.Equal(t, "admin@campus.edu", u.Email)

	out, err = run("guard", "/dashboard")
	require.NoError(t, err)
	require.Contains(t, out, "allow")

	out, err = run("refresh")
	require.NoError(t, err)
	require.Contains(t, out, "authenticated: admin@campus.edu")

	out, err = run("logout", "--variant", "manual", "--yes")
	require.NoError(t, err)
	require.Contains(t, out, "logged out")

	out, err = run("guard", "/dashboard")
	require.NoError(t, err)
	require.Contains(t, out, "/login?next=%2Fdashboard")
}

func TestCLI_Errors(t *testing.T) {
	run := setup(t)

	_, err := run("login", "--email", "admin@campus.edu", "--password", "nope")
	require.ErrorContains(t, err, "invalid_credentials")

	_, err = run("logout", "--variant", "bogus")
	require.Error(t, err)

	_, err = run("--out", "yaml", "status")
	require.Error(t, err)

	_, err = run("whoami")
	require.Error(t, err)
}

func TestCLI_Keygen(t *testing.T) {
	run := setup(t)
	out, err := run("keygen")
	require.NoError(t, err)
	_, err = secretbox.New(strings.TrimSpace(out))
	require.NoError(t, err)
}
