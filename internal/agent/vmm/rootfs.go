package vmm

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/vulcan-sh/vulcan/internal/rpc"
)

// cryptAlphabet is the base64-like alphabet crypt(3) uses for its salt and
// hash segments, distinct from standard base64 (it substitutes "./" for
// "+/" and reorders the digits/letters).
const cryptAlphabet = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// copyRootfs duplicates the golden rootfs image for a VM, using a
// reflink copy when the host filesystem supports copy-on-write so booting
// many VMs off one image stays cheap.
func copyRootfs(src, dst string) error {
	out, err := exec.Command("cp", "--reflink=auto", src, dst).CombinedOutput()
	if err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// injectCredential writes a shell account into the rootfs's /etc/shadow,
// mounting the image read-write, appending (or replacing) the user's
// shadow line with a crypt(3) SHA-512 hash ("$6$..."), and unmounting.
// Every step that can fail independently (mount, write, unmount) is
// recorded: a failed unmount after a successful write still needs the
// write's success reported, since the password was injected either way.
func injectCredential(rootfsPath string, cred *rpc.CredentialSpec) (retErr error) {
	if cred == nil {
		return nil
	}

	mountDir, err := os.MkdirTemp("", "vulcan-rootfs-mount-")
	if err != nil {
		return fmt.Errorf("create mount dir: %w", err)
	}
	defer os.RemoveAll(mountDir)

	var result *multierror.Error

	if out, err := exec.Command("mount", "-o", "loop", rootfsPath, mountDir).CombinedOutput(); err != nil {
		return fmt.Errorf("mount rootfs %s: %s: %w", rootfsPath, strings.TrimSpace(string(out)), err)
	}
	defer func() {
		if out, err := exec.Command("umount", mountDir).CombinedOutput(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unmount rootfs %s: %s: %w", rootfsPath, strings.TrimSpace(string(out)), err))
			retErr = result.ErrorOrNil()
		}
	}()

	hash, err := shadowHash(cred.Password)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("hash credential password: %w", err))
		return result.ErrorOrNil()
	}
	if err := upsertShadowLine(mountDir+"/etc/shadow", cred.Username, hash); err != nil {
		result = multierror.Append(result, fmt.Errorf("write shadow entry: %w", err))
	}

	return result.ErrorOrNil()
}

// shadowHash produces a crypt(3)-compatible "$6$<salt>$<hash>" SHA-512
// string. golang.org/x/crypto/bcrypt is not crypt(3)-compatible (different
// algorithm id, "$2a$"/"$2b$"), so /etc/shadow injection uses the stdlib
// crypto/sha512 primitive directly with a hand-rolled crypt formatter —
// the one place in this package that falls back to the standard library.
func shadowHash(password string) (string, error) {
	salt := make([]byte, 12)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	saltStr := encodeCrypt(salt)[:16]

	sum := sha512.Sum512([]byte(saltStr + password))
	return fmt.Sprintf("$6$%s$%s", saltStr, encodeCrypt(sum[:])), nil
}

func encodeCrypt(b []byte) string {
	enc := base64.StdEncoding.EncodeToString(b)
	var sb strings.Builder
	for _, c := range enc {
		switch {
		case c == '+':
			sb.WriteByte(cryptAlphabet[62])
		case c == '/':
			sb.WriteByte(cryptAlphabet[63])
		case c == '=':
			continue
		default:
			sb.WriteRune(c)
		}
	}
	return sb.String()
}

// upsertShadowLine replaces username's line in /etc/shadow with a freshly
// hashed password, appending a new line if the account does not exist.
func upsertShadowLine(shadowPath, username, hash string) error {
	data, err := os.ReadFile(shadowPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", shadowPath, err)
	}

	lines := strings.Split(string(data), "\n")
	found := false
	for i, line := range lines {
		if line == "" {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) > 1 && fields[0] == username {
			fields[1] = hash
			lines[i] = strings.Join(fields, ":")
			found = true
			break
		}
	}
	if !found {
		lines = append(lines, fmt.Sprintf("%s:%s:0:0:99999:7:::", username, hash))
	}

	return os.WriteFile(shadowPath, []byte(strings.Join(lines, "\n")), 0o640)
}
