// Package cli is the terminal front end. It shares the session store with the
// portal. A portal watching a file store follows sign-ins and sign-outs made
// here; with other stores, signing out or in as someone else here ends the
// portal session on its next backend call.
package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"eduscrumawards/portal/internal/auth"
	"eduscrumawards/portal/internal/backend"
	"eduscrumawards/portal/internal/guard"
	"eduscrumawards/portal/internal/nav"
)

// ErrUsage marks a malformed command line.
var ErrUsage = errors.New("usage")

var errLoginFailed = errors.New("incorrect email or password")

const usage = `usage: eduscrum <command> [flags]

commands:
  login     -email <address>             sign in (password is prompted)
  register  -name <name> -email <address> -role ALUNO|PROFESSOR|ADMIN
  logout                                 end the stored session
  whoami                                 show the signed-in user
  nav                                    list the pages available to you
  status                                 show session token details
  courses                                list your courses
  rankings  [-course <id>]               show the student ranking
`

type Session interface {
	Init(ctx context.Context) error
	User() (auth.User, bool)
	TokenInfo(ctx context.Context) (auth.TokenInfo, error)
	Login(ctx context.Context, email, password string) (auth.User, error)
	Register(ctx context.Context, reg auth.Registration) (auth.User, error)
	Logout(ctx context.Context) error
}

type Data interface {
	Courses(ctx context.Context) ([]backend.Course, error)
	StudentCourses(ctx context.Context, studentID int64) ([]backend.Course, error)
	ProfessorCourses(ctx context.Context, professorID int64) ([]backend.Course, error)
	GlobalRanking(ctx context.Context) ([]backend.StudentRank, error)
	CourseRanking(ctx context.Context, courseID int64) ([]backend.StudentRank, error)
}

type Deps struct {
	Session Session
	Data    Data
	In      io.Reader
	Out     io.Writer
	Logger  *logrus.Logger
}

type CLI struct {
	session Session
	data    Data
	in      io.Reader
	reader  *bufio.Reader
	out     io.Writer
	log     *logrus.Logger
	now     func() time.Time
}

func New(deps Deps) (*CLI, error) {
	if deps.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if deps.Data == nil {
		return nil, fmt.Errorf("data client is required")
	}
	in := deps.In
	if in == nil {
		in = os.Stdin
	}
	out := deps.Out
	if out == nil {
		out = os.Stdout
	}
	log := deps.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &CLI{
		session: deps.Session,
		data:    deps.Data,
		in:      in,
		reader:  bufio.NewReader(in),
		out:     out,
		log:     log,
		now:     time.Now,
	}, nil
}

// Run executes one command. The stored session is restored first so every
// command sees the same state the portal would.
func (c *CLI) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(c.out, usage)
		return ErrUsage
	}
	name, rest := args[0], args[1:]
	if name == "help" || name == "-h" || name == "--help" {
		fmt.Fprint(c.out, usage)
		return nil
	}

	if err := c.session.Init(ctx); err != nil {
		c.log.WithError(err).Warn("session bootstrap reported an error")
	}

	switch name {
	case "login":
		return c.login(ctx, rest)
	case "register":
		return c.register(ctx, rest)
	case "logout":
		return c.logout(ctx, rest)
	case "whoami":
		return c.whoami(rest)
	case "nav":
		return c.navLinks(rest)
	case "status":
		return c.status(ctx, rest)
	case "courses":
		return c.courses(ctx, rest)
	case "rankings":
		return c.rankings(ctx, rest)
	}
	fmt.Fprint(c.out, usage)
	return fmt.Errorf("%w: unknown command %q", ErrUsage, name)
}

func (c *CLI) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.out)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected argument %q", ErrUsage, fs.Arg(0))
	}
	return nil
}

// requireUser gates commands that need a confirmed session.
func (c *CLI) requireUser() (auth.User, error) {
	u, err := guard.Require(c.session)
	if err != nil {
		return auth.User{}, fmt.Errorf("%w: run 'eduscrum login' first", err)
	}
	return u, nil
}

func (c *CLI) login(ctx context.Context, args []string) error {
	fs := c.flags("login")
	email := fs.String("email", "", "account email")
	if err := parse(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(*email) == "" {
		v, err := c.prompt("Email: ")
		if err != nil {
			return err
		}
		*email = v
	}
	password, err := c.readPassword("Password: ")
	if err != nil {
		return err
	}

	u, err := c.session.Login(ctx, strings.TrimSpace(*email), password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			c.log.WithError(err).Warn("login failed")
		}
		return errLoginFailed
	}
	fmt.Fprintf(c.out, "Signed in as %s (%s).\n", u.Name, nav.RoleLabel(u.Role))
	return nil
}

func (c *CLI) register(ctx context.Context, args []string) error {
	fs := c.flags("register")
	name := fs.String("name", "", "full name")
	email := fs.String("email", "", "account email")
	role := fs.String("role", auth.RoleStudent.String(), "ALUNO, PROFESSOR or ADMIN")
	if err := parse(fs, args); err != nil {
		return err
	}
	password, err := c.readPassword("Password: ")
	if err != nil {
		return err
	}
	confirm, err := c.readPassword("Confirm password: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return errors.New("passwords do not match")
	}

	u, err := c.session.Register(ctx, auth.Registration{
		Name:     strings.TrimSpace(*name),
		Email:    strings.TrimSpace(*email),
		Password: password,
		Role:     *role,
	})
	if err != nil {
		var verr *auth.ValidationError
		if errors.As(err, &verr) {
			return verr
		}
		c.log.WithError(err).Warn("register failed")
		return auth.NewValidationError("", err)
	}
	fmt.Fprintf(c.out, "Account created for %s. Sign in with: eduscrum login -email %s\n", u.Email, u.Email)
	return nil
}

func (c *CLI) logout(ctx context.Context, args []string) error {
	if err := parse(c.flags("logout"), args); err != nil {
		return err
	}
	if err := c.session.Logout(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	fmt.Fprintln(c.out, "Signed out.")
	return nil
}

func (c *CLI) whoami(args []string) error {
	if err := parse(c.flags("whoami"), args); err != nil {
		return err
	}
	u, err := c.requireUser()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s <%s> %s\n", u.Name, u.Email, nav.RoleLabel(u.Role))
	return nil
}

func (c *CLI) navLinks(args []string) error {
	if err := parse(c.flags("nav"), args); err != nil {
		return err
	}
	var user *auth.User
	if u, ok := c.session.User(); ok {
		user = &u
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	for _, l := range nav.Links(user) {
		fmt.Fprintf(tw, "%s\t%s\n", l.Label, l.Path)
	}
	return tw.Flush()
}

func (c *CLI) status(ctx context.Context, args []string) error {
	if err := parse(c.flags("status"), args); err != nil {
		return err
	}
	u, err := c.requireUser()
	if err != nil {
		return err
	}
	info, err := c.session.TokenInfo(ctx)
	if err != nil {
		return fmt.Errorf("inspect token: %w", err)
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "user\t%s <%s>\n", u.Name, u.Email)
	fmt.Fprintf(tw, "role\t%s\n", nav.RoleLabel(u.Role))
	fmt.Fprintf(tw, "landing\t%s\n", nav.LandingPath(u.Role))
	if info.Subject != "" {
		fmt.Fprintf(tw, "subject\t%s\n", info.Subject)
	}
	if !info.IssuedAt.IsZero() {
		fmt.Fprintf(tw, "issued\t%s\n", info.IssuedAt.Format(time.RFC3339))
	}
	if !info.ExpiresAt.IsZero() {
		state := "valid"
		if info.Expired(c.now()) {
			state = "expired"
		}
		fmt.Fprintf(tw, "expires\t%s (%s)\n", info.ExpiresAt.Format(time.RFC3339), state)
	}
	return tw.Flush()
}

func (c *CLI) courses(ctx context.Context, args []string) error {
	if err := parse(c.flags("courses"), args); err != nil {
		return err
	}
	u, err := c.requireUser()
	if err != nil {
		return err
	}

	var courses []backend.Course
	switch u.Role {
	case auth.RoleAdmin:
		courses, err = c.data.Courses(ctx)
	case auth.RoleProfessor:
		courses, err = c.data.ProfessorCourses(ctx, u.ID)
	default:
		courses, err = c.data.StudentCourses(ctx, u.ID)
	}
	if err != nil {
		return c.backendError(err)
	}
	if len(courses) == 0 {
		fmt.Fprintln(c.out, "No courses.")
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCODE\tNAME\tDISCIPLINES")
	for _, course := range courses {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", course.ID, course.Code, course.Name, len(course.Disciplines))
	}
	return tw.Flush()
}

func (c *CLI) rankings(ctx context.Context, args []string) error {
	fs := c.flags("rankings")
	courseID := fs.Int64("course", 0, "restrict the ranking to one course")
	if err := parse(fs, args); err != nil {
		return err
	}
	if _, err := c.requireUser(); err != nil {
		return err
	}

	var (
		ranks []backend.StudentRank
		err   error
	)
	if *courseID > 0 {
		ranks, err = c.data.CourseRanking(ctx, *courseID)
	} else {
		ranks, err = c.data.GlobalRanking(ctx)
	}
	if err != nil {
		return c.backendError(err)
	}
	if len(ranks) == 0 {
		fmt.Fprintln(c.out, "No points awarded yet.")
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tPOINTS")
	for i, r := range ranks {
		fmt.Fprintf(tw, "%d\t%s\t%d\n", i+1, r.Name, r.TotalPoints)
	}
	return tw.Flush()
}

func (c *CLI) backendError(err error) error {
	if errors.Is(err, auth.ErrUnauthorized) {
		return fmt.Errorf("session expired: run 'eduscrum login' again")
	}
	return err
}

func (c *CLI) prompt(label string) (string, error) {
	fmt.Fprint(c.out, label)
	line, err := c.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readPassword reads without echo from a terminal and falls back to a plain
// line for pipes.
func (c *CLI) readPassword(label string) (string, error) {
	if f, ok := c.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(c.out, label)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(c.out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	return c.prompt(label)
}
