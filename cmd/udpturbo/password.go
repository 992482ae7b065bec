package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

func hashPasswordCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Generate a bcrypt hash for health.password_hash",
		Long: `Read a password and print its bcrypt hash. On a terminal the password
is prompted for twice without echo. Otherwise the first line of standard
input is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				password []byte
				err      error
			)
			if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
				password, err = promptPassword(fd, cmd.ErrOrStderr())
			} else {
				password, err = readPasswordLine(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}

			hash, err := hashPassword(password, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func promptPassword(fd int, w io.Writer) ([]byte, error) {
	fmt.Fprint(w, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}

	fmt.Fprint(w, "Confirm: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}

	if string(first) != string(second) {
		return nil, fmt.Errorf("passwords do not match")
	}
	return first, nil
}

func readPasswordLine(r io.Reader) ([]byte, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

func hashPassword(password []byte, cost int) (string, error) {
	if len(password) == 0 {
		return "", fmt.Errorf("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword(password, cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
