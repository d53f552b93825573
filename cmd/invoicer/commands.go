package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jrsteele09/invoicer-auth/apiclient"
	"github.com/jrsteele09/invoicer-auth/session"
	"github.com/pkg/errors"
)

var errUsage = errors.New("usage: invoicer signup|login EMAIL PASSWORD | otp EMAIL | reset EMAIL [REDIRECT] | logout | whoami | get PATH | post PATH JSON")

type app struct {
	sessions *session.Client
	api      *apiclient.Client
	out      io.Writer
}

func (a *app) execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "signup":
		if len(rest) != 2 {
			return errUsage
		}
		result, err := a.sessions.SignUp(ctx, rest[0], rest[1])
		if err != nil {
			return err
		}
		if result.Session == nil {
			fmt.Fprintln(a.out, "check your email to confirm the account")
			return nil
		}
		return a.print(result.User)
	case "login":
		if len(rest) != 2 {
			return errUsage
		}
		s, err := a.sessions.SignInWithPassword(ctx, rest[0], rest[1])
		if err != nil {
			return err
		}
		return a.print(s.User)
	case "otp":
		if len(rest) != 1 {
			return errUsage
		}
		if err := a.sessions.SignInWithOneTimeCode(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "sign-in link sent to %s\n", rest[0])
		return nil
	case "reset":
		if len(rest) < 1 || len(rest) > 2 {
			return errUsage
		}
		redirect := ""
		if len(rest) == 2 {
			redirect = rest[1]
		}
		if err := a.sessions.SendPasswordReset(ctx, rest[0], redirect); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "password reset sent to %s\n", rest[0])
		return nil
	case "logout":
		if err := a.sessions.SignOut(ctx); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "signed out")
		return nil
	case "whoami":
		user, err := a.sessions.CurrentUser(ctx)
		if err != nil {
			return err
		}
		if user == nil {
			fmt.Fprintln(a.out, "not signed in")
			return nil
		}
		return a.print(user)
	case "get":
		if len(rest) != 1 {
			return errUsage
		}
		v, err := a.api.GetJSON(ctx, rest[0])
		if err != nil {
			return err
		}
		return a.print(v)
	case "post":
		if len(rest) != 2 {
			return errUsage
		}
		var body any
		if err := json.NewDecoder(strings.NewReader(rest[1])).Decode(&body); err != nil {
			return errors.Wrap(err, "[post] body is not valid JSON")
		}
		v, err := a.api.PostJSON(ctx, rest[0], body)
		if err != nil {
			return err
		}
		return a.print(v)
	default:
		return errors.Wrapf(errUsage, "unknown command %q", cmd)
	}
}

func (a *app) print(v any) error {
	if s, ok := v.(string); ok {
		_, err := fmt.Fprintln(a.out, s)
		return err
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
