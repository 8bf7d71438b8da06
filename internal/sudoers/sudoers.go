// Package sudoers installs the passwordless-sudo fragment that lets the
// unprivileged UI invoke the oxidiskd helper without repeated password
// prompts, grounded on original_source's install_sudoers_helper.
package sudoers

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/term"

	"github.com/oxidisk/oxidiskd/internal/model"
)

const fragmentName = "oxidisk"

// Installer writes and removes the sudoers.d fragment.
type Installer struct {
	sudoersDir string
}

// New builds an Installer targeting the standard sudoers.d directory.
func New() *Installer {
	return &Installer{sudoersDir: "/etc/sudoers.d"}
}

// Result describes what Install did.
type Result struct {
	HelperPath string `json:"helperPath"`
	SudoersPath string `json:"sudoersPath"`
	Installed  bool   `json:"installed"`
}

// Install writes a NOPASSWD sudoers fragment for the given helper binary
// and the current invoking user, after an interactive y/N confirmation
// when stdin is a terminal. It is idempotent: re-running with the same
// helper path and user is a no-op that reports Installed=false.
func (i *Installer) Install(helperPath string, confirm bool) (Result, error) {
	abs, err := filepath.Abs(helperPath)
	if err != nil {
		return Result{}, model.ErrInvalidInput("helperPath", err.Error())
	}
	if _, err := os.Stat(abs); err != nil {
		return Result{}, model.ErrMissingSidecar(abs)
	}

	username, err := currentUsername()
	if err != nil {
		return Result{}, model.ErrIo("lookup-user", "could not determine invoking user", err)
	}

	sudoersPath := filepath.Join(i.sudoersDir, fragmentName)
	line := fmt.Sprintf("%s ALL=(root) NOPASSWD: %s\n", username, abs)

	if existing, err := os.ReadFile(sudoersPath); err == nil && strings.TrimSpace(string(existing)) == strings.TrimSpace(line) {
		return Result{HelperPath: abs, SudoersPath: sudoersPath, Installed: false}, nil
	}

	if confirm && term.IsTerminal(int(os.Stdin.Fd())) {
		ok, err := promptYesNo(fmt.Sprintf("Install passwordless sudo for %s (user %s)?", abs, username))
		if err != nil {
			return Result{}, model.ErrIo("prompt", "could not read confirmation", err)
		}
		if !ok {
			return Result{}, model.ErrCancelled()
		}
	}

	if err := writeFragment(sudoersPath, line); err != nil {
		return Result{}, err
	}

	return Result{HelperPath: abs, SudoersPath: sudoersPath, Installed: true}, nil
}

// Remove deletes the sudoers fragment if present.
func (i *Installer) Remove() error {
	path := filepath.Join(i.sudoersDir, fragmentName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return model.ErrIo("remove", "could not remove sudoers fragment", err)
	}
	return nil
}

func writeFragment(path, line string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(line), 0o440); err != nil {
		return model.ErrIo("write", "could not stage sudoers fragment", err)
	}
	if err := os.Chmod(tmp, 0o440); err != nil {
		os.Remove(tmp)
		return model.ErrIo("chmod", "could not set sudoers fragment permissions", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return model.ErrIo("rename", "could not install sudoers fragment", err)
	}
	return nil
}

func currentUsername() (string, error) {
	if runtime.GOOS == "darwin" {
		if out, err := exec.Command("id", "-un").Output(); err == nil {
			return strings.TrimSpace(string(out)), nil
		}
	}
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

func promptYesNo(question string) (bool, error) {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", question)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
