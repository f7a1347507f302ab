package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/entityctx/internal/membership"
	"github.com/roach88/entityctx/internal/page"
	"github.com/roach88/entityctx/internal/session"
	"github.com/roach88/entityctx/internal/store"
)

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	Name string // in-memory database name when no DSN is configured
}

// DemoReport is what the demo observed.
type DemoReport struct {
	Members        int                     `json:"members"`
	FirstPage      []string                `json:"first_page"`
	Total          int64                   `json:"total"`
	TotalPages     int                     `json:"total_pages"`
	BulkUpdated    int64                   `json:"bulk_updated"`
	AgesAfterBulk  []int                   `json:"ages_after_bulk"`
	Dtos           []*membership.MemberDto `json:"dtos"`
	LazySelects    int                     `json:"lazy_selects"`
	FetchedSelects int                     `json:"fetched_selects"`
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the member repository against a SQLite store",
		Long: `Create the membership tables, store two teams and five members, then page,
bulk update, project and fetch them through the member repository.

The store comes from the configuration; only SQLite drivers are supported.

Example:
  entityctx demo
  entityctx demo --format json --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "entityctx-demo", "in-memory database name")

	return cmd
}

func runDemo(opts *DemoOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	env, err := newEnvironment(opts.RootOptions, "")
	if err != nil {
		return outputCommandError(formatter, err)
	}
	if d := env.cfg.Store.Driver; d != "sqlite3" && d != "sqlite" {
		return outputCommandError(formatter, &LoadError{Code: ErrCodeConfig, Message: fmt.Sprintf("demo needs a sqlite driver, config has %q", d)})
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	counter := &store.Counter{}
	st, err := store.Open(ctx, env.cfg.StoreConfig(opts.Name), store.WithObserver(counter.Observe))
	if err != nil {
		return outputCommandError(formatter, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()
	if err := membership.Install(ctx, st); err != nil {
		return outputCommandError(formatter, err)
	}

	members, err := membership.NewMemberRepository(env.registry)
	if err != nil {
		return outputCommandError(formatter, err)
	}
	d := &demo{env: env, st: st, counter: counter, members: members, formatter: formatter}
	report, err := d.run(ctx)
	if err != nil {
		return outputCommandError(formatter, err)
	}
	return outputDemoReport(formatter, report)
}

type demo struct {
	env       *environment
	st        *store.Store
	counter   *store.Counter
	members   *membership.MemberRepository
	formatter *OutputFormatter
}

func (d *demo) unit(ctx context.Context, step string, fn func(*session.Session) error) error {
	d.formatter.VerboseLog("== %s", step)
	if err := session.Run(ctx, d.st, d.env.schema, fn, d.env.cfg.SessionOptions()...); err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	return nil
}

func (d *demo) run(ctx context.Context) (*DemoReport, error) {
	r := &DemoReport{}

	err := d.unit(ctx, "seed", func(s *session.Session) error {
		teamA, teamB := membership.NewTeam("teamA"), membership.NewTeam("teamB")
		for _, t := range []*membership.Team{teamA, teamB} {
			if err := s.Persist(t); err != nil {
				return err
			}
		}
		for i, age := range []int{10, 19, 20, 21, 40} {
			team := teamA
			if i%2 == 1 {
				team = teamB
			}
			if _, err := d.members.Save(ctx, s, membership.NewMember(fmt.Sprintf("member%d", i+1), age, team)); err != nil {
				return err
			}
		}
		n, err := d.members.Count(ctx, s)
		r.Members = int(n)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = d.unit(ctx, "page", func(s *session.Session) error {
		p, err := d.members.FindMemberAllCountBy(ctx, s, page.Of(0, 3, page.Desc("username")))
		if err != nil {
			return err
		}
		r.FirstPage = page.Map(p, (*membership.Member).String).Content
		r.Total, r.TotalPages = p.Total, p.TotalPages()
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = d.unit(ctx, "bulk", func(s *session.Session) error {
		n, err := d.members.BulkAgePlusClearing(ctx, s, 20)
		if err != nil {
			return err
		}
		r.BulkUpdated = n
		all, err := d.members.FindTop3ByAge(ctx, s)
		for _, m := range all {
			r.AgesAfterBulk = append(r.AgesAfterBulk, m.Age)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	err = d.unit(ctx, "projection", func(s *session.Session) error {
		var err error
		r.Dtos, err = d.members.FindMemberDto(ctx, s)
		return err
	})
	if err != nil {
		return nil, err
	}

	findAll := func(ctx context.Context, s *session.Session) ([]*membership.Member, error) {
		return d.members.FindAll(ctx, s)
	}
	r.LazySelects, err = d.selects(ctx, "lazy", findAll)
	if err != nil {
		return nil, err
	}
	r.FetchedSelects, err = d.selects(ctx, "fetch", d.members.FindMemberNamedEntityGraph)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// selects counts the SELECT statements needed to load the members with find
// and then read every member's team.
func (d *demo) selects(ctx context.Context, step string, find func(context.Context, *session.Session) ([]*membership.Member, error)) (int, error) {
	var n int
	err := d.unit(ctx, step, func(s *session.Session) error {
		d.counter.Reset()
		ms, err := find(ctx, s)
		if err != nil {
			return err
		}
		for _, m := range ms {
			if _, err := m.Team.Load(ctx); err != nil {
				return err
			}
		}
		n = d.counter.Selects()
		return nil
	})
	return n, err
}

func outputDemoReport(formatter *OutputFormatter, r *DemoReport) error {
	if formatter.Format == "json" {
		return formatter.Success(r)
	}
	w := formatter.Writer
	fmt.Fprintf(w, "✓ Stored %d member(s)\n\n", r.Members)
	fmt.Fprintf(w, "Page 1 of %d (%d total, by username desc):\n", r.TotalPages, r.Total)
	for _, m := range r.FirstPage {
		fmt.Fprintf(w, "  %s\n", m)
	}
	fmt.Fprintf(w, "\nBulk age+1 for age >= 20: %d row(s); oldest now %s\n", r.BulkUpdated, joinInts(r.AgesAfterBulk))
	fmt.Fprintln(w, "\nMember DTOs:")
	for _, dto := range r.Dtos {
		fmt.Fprintf(w, "  %d %s (%s)\n", dto.ID, dto.Username, dto.TeamName)
	}
	fmt.Fprintf(w, "\nTeams read with %d select(s) lazily, %d with a fetch join\n", r.LazySelects, r.FetchedSelects)
	return nil
}

func joinInts(vs []int) string {
	s := make([]string, len(vs))
	for i, v := range vs {
		s[i] = fmt.Sprint(v)
	}
	return strings.Join(s, ", ")
}
