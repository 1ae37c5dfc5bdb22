package cobracmd

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const rfc4226Secret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func newSimFs(t *testing.T) {
	t.Helper()
	prev := simFs
	simFs = afero.NewMemMapFs()
	t.Cleanup(func() { simFs = prev })
}

func runSim(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := Sim()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--image", "data/token.img"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRunSim(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runSim(t, args...)
	require.NoError(t, err)
	return out
}

func field(t *testing.T, out, name string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, name+": "); ok {
			return v
		}
	}
	t.Fatalf("no %q in %q", name, out)
	return ""
}

func TestSimOathHOTP(t *testing.T) {
	newSimFs(t)

	require.Equal(t, "saved bank\n", mustRunSim(t, "oath", "put", "bank", strings.ToLower(rfc4226Secret), "--hotp"))
	require.Equal(t, "755224\n", mustRunSim(t, "oath", "calc", "bank"))
	require.Equal(t, "287082\n", mustRunSim(t, "oath", "calc", "bank"))
	require.Equal(t, "bank\thotp\tsha1\t6 digits\tcounter 2\n", mustRunSim(t, "oath", "list"))

	// the image is written to the afero filesystem
	ok, err := afero.Exists(simFs, "data/token.img")
	require.NoError(t, err)
	require.True(t, ok)

	// initial counter
	mustRunSim(t, "oath", "put", "other", rfc4226Secret, "--hotp", "--counter", "9")
	require.Equal(t, "520489\n", mustRunSim(t, "oath", "calc", "other"))
}

func TestSimOathTOTP(t *testing.T) {
	newSimFs(t)

	mustRunSim(t, "oath", "put", "mail", rfc4226Secret, "--digits", "8", "--sha256")
	require.Regexp(t, regexp.MustCompile(`^\d{8}\n$`), mustRunSim(t, "oath", "calc", "mail"))
	require.Equal(t, "mail\ttotp\tsha256\t8 digits\n", mustRunSim(t, "oath", "list"))

	require.Equal(t, "deleted mail\n", mustRunSim(t, "oath", "delete", "mail"))
	_, err := runSim(t, "oath", "calc", "mail")
	require.EqualError(t, err, "no account named mail")

	_, err = runSim(t, "oath", "put", "bad", "not base32!")
	require.Error(t, err)
	_, err = runSim(t, "oath", "put", "short", rfc4226Secret, "--digits", "4")
	require.Error(t, err)
}

func TestSimStatus(t *testing.T) {
	newSimFs(t)
	mustRunSim(t, "oath", "put", "a", rfc4226Secret)

	out := mustRunSim(t, "status")
	require.Equal(t, "1/8", field(t, out, "oath accounts"))
	require.Equal(t, "0/16", field(t, out, "fido2 credentials"))

	// an image sealed to another device is reformatted
	out = mustRunSim(t, "--uid", "someone-else", "status")
	require.Equal(t, "0/8", field(t, out, "oath accounts"))
}

func TestSimFido(t *testing.T) {
	newSimFs(t)

	out := mustRunSim(t, "fido", "register", "example.com", "--user", "alice")
	id := field(t, out, "credential id")
	pub := field(t, out, "public key")
	require.Len(t, pub, 130)

	out = mustRunSim(t, "fido", "login", "example.com", "--public-key", pub)
	require.Equal(t, "alice", field(t, out, "user"))
	require.Equal(t, "1", field(t, out, "sign count"))
	require.Equal(t, "true", field(t, out, "signature valid"))

	out = mustRunSim(t, "fido", "login", "example.com", "--credential", id, "--public-key", pub)
	require.Equal(t, "2", field(t, out, "sign count"))
	require.Equal(t, "true", field(t, out, "signature valid"))

	out = mustRunSim(t, "fido", "list")
	require.Contains(t, out, id)
	require.Contains(t, out, "user alice")

	require.Equal(t, "deleted\n", mustRunSim(t, "fido", "delete", id))
	require.Empty(t, mustRunSim(t, "fido", "list"))

	_, err := runSim(t, "fido", "login", "example.com")
	require.ErrorContains(t, err, "CTAP2_ERR_NO_CREDENTIALS")
}

func TestSimAPDU(t *testing.T) {
	newSimFs(t)

	out := mustRunSim(t, "apdu", "00a4040008a000000527210101", "00:a1:00:00")
	require.Equal(t, "9000\n9000\n", out)

	_, err := runSim(t, "apdu", "00a4")
	require.Error(t, err)
}
