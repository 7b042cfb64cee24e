package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/entityflow/internal/client"
	"github.com/roach88/entityflow/internal/entity"
	"github.com/roach88/entityflow/internal/harness"
)

// parseEntity parses a name/key or @name@key argument.
func parseEntity(ref string) (entity.ID, error) {
	id, err := harness.ParseEntityRef(ref)
	if err != nil {
		return entity.ID{}, WrapExitError(ExitCommandError, "invalid entity", err)
	}
	return id, nil
}

// parseInput returns the optional JSON input argument at index i.
func parseInput(args []string, i int) (any, error) {
	if len(args) <= i {
		return nil, nil
	}
	if !json.Valid([]byte(args[i])) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("input is not valid JSON: %s", args[i]))
	}
	return json.RawMessage(args[i]), nil
}

// commandContext returns the command's context, or a background one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// SignalOptions holds flags for the signal command.
type SignalOptions struct {
	*RootOptions
	After time.Duration
}

// NewSignalCommand creates the signal command.
func NewSignalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SignalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "signal <entity> <operation> [input-json]",
		Short: "Send a one-way operation to an entity",
		Long: `Send a one-way operation to an entity.

The signal is stored in the entity's inbox and executed by a running engine
(see "entityflow run"). Entities are written name/key.

Example:
  entityflow signal counter/c1 add 5
  entityflow signal counter/c1 reset --after 1h`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalEntity(opts, args, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.After, "after", 0, "deliver the signal after this delay")

	return cmd
}

type signalResult struct {
	Entity    string     `json:"entity"`
	Operation string     `json:"operation"`
	DeliverAt *time.Time `json:"deliverAt,omitempty"`
}

func signalEntity(opts *SignalOptions, args []string, cmd *cobra.Command) (err error) {
	id, err := parseEntity(args[0])
	if err != nil {
		return err
	}
	input, err := parseInput(args, 2)
	if err != nil {
		return err
	}
	if opts.After < 0 {
		return NewExitError(ExitCommandError, "--after must not be negative")
	}

	s, err := opts.openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	result := signalResult{Entity: id.String(), Operation: args[1]}
	var due time.Time
	if opts.After > 0 {
		due = time.Now().Add(opts.After).UTC()
		result.DeliverAt = &due
	}
	if err := s.client.SignalEntityAt(commandContext(cmd), id, due, args[1], input); err != nil {
		return WrapExitError(ExitFailure, "signal failed", err)
	}

	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		if result.DeliverAt != nil {
			fmt.Fprintf(w, "Signaled %s %s (delivered at %s)\n", result.Entity, result.Operation, due.Format(time.RFC3339))
			return
		}
		fmt.Fprintf(w, "Signaled %s %s\n", result.Entity, result.Operation)
	})
}

// CallOptions holds flags for the call command.
type CallOptions struct {
	*RootOptions
	Timeout time.Duration
}

// NewCallCommand creates the call command.
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "call <entity> <operation> [input-json]",
		Short: "Run an operation on an entity and print its result",
		Long: `Run an operation on an entity and print its result.

The command runs an engine for the duration of the call, so it works with or
without a separate "entityflow run".

Exit codes:
  0 - The operation succeeded
  1 - The operation failed or timed out
  2 - Command error

Example:
  entityflow call counter/c1 get
  entityflow call stringstore/s1 set '"hello"' --timeout 5s`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return callEntity(opts, args, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long to wait for the result")

	return cmd
}

type callResult struct {
	Entity    string          `json:"entity"`
	Operation string          `json:"operation"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func callEntity(opts *CallOptions, args []string, cmd *cobra.Command) (err error) {
	id, err := parseEntity(args[0])
	if err != nil {
		return err
	}
	input, err := parseInput(args, 2)
	if err != nil {
		return err
	}

	s, err := opts.openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	ctx := commandContext(cmd)
	stop := s.start(ctx)
	defer func() {
		if stopErr := stop(); stopErr != nil {
			s.logger.Warn("engine stopped with error", "error", stopErr)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var out json.RawMessage
	if err := s.client.CallEntity(callCtx, id, args[1], input, &out); err != nil {
		f := opts.formatter(cmd)
		_ = f.Error("E_CALL_FAILED", err.Error(), map[string]string{"exceptionType": entity.ExceptionType(err)})
		return WrapExitError(ExitFailure, "call failed", err)
	}

	result := callResult{Entity: id.String(), Operation: args[1], Result: out}
	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		if len(out) == 0 {
			fmt.Fprintln(w, "null")
			return
		}
		fmt.Fprintln(w, string(out))
	})
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <entity>",
		Short: "Show the status of an entity",
		Long: `Show whether an entity exists, its queue and inbox sizes, and its lock holder.

Example:
  entityflow status counter/c1
  entityflow status @counter@c1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return entityStatus(rootOpts, args[0], cmd)
		},
	}
}

func entityStatus(opts *RootOptions, ref string, cmd *cobra.Command) (err error) {
	id, err := parseEntity(ref)
	if err != nil {
		return err
	}
	s, err := opts.openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	status, err := s.client.GetEntityStatus(commandContext(cmd), id)
	if err != nil {
		return WrapExitError(ExitFailure, "status failed", err)
	}
	return opts.formatter(cmd).Success(status, func(w io.Writer) {
		writeStatusTable(w, []client.EntityStatus{status})
	})
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <entity>",
		Short: "Print the persisted state of an entity",
		Long: `Print the persisted state of an entity as JSON.

Exits with code 1 if the entity has no state.

Example:
  entityflow state counter/c1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return entityState(rootOpts, args[0], cmd)
		},
	}
}

func entityState(opts *RootOptions, ref string, cmd *cobra.Command) (err error) {
	id, err := parseEntity(ref)
	if err != nil {
		return err
	}
	s, err := opts.openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	var state json.RawMessage
	found, err := s.client.ReadEntityState(commandContext(cmd), id, &state)
	if err != nil {
		return WrapExitError(ExitFailure, "read state failed", err)
	}
	if !found {
		_ = opts.formatter(cmd).Error("E_NO_STATE", fmt.Sprintf("%s has no state", id), nil)
		return NewExitError(ExitFailure, fmt.Sprintf("%s has no state", id))
	}
	return opts.formatter(cmd).Success(state, func(w io.Writer) {
		fmt.Fprintln(w, string(state))
	})
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Name  string
	Limit int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted entities",
		Long: `List persisted entities with their status.

Example:
  entityflow list
  entityflow list --name counter --limit 10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listEntities(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "only list entities with this name")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of entities (0 = all)")

	return cmd
}

func listEntities(opts *ListOptions, cmd *cobra.Command) (err error) {
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}
	s, err := opts.openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	statuses, err := s.client.ListEntities(commandContext(cmd), opts.Name, opts.Limit)
	if err != nil {
		return WrapExitError(ExitFailure, "list failed", err)
	}
	return opts.formatter(cmd).Success(statuses, func(w io.Writer) {
		if len(statuses) == 0 {
			fmt.Fprintln(w, "No entities found.")
			return
		}
		writeStatusTable(w, statuses)
	})
}

func writeStatusTable(w io.Writer, statuses []client.EntityStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tEXISTS\tQUEUE\tPENDING\tSTATE BYTES\tLOCKED BY")
	for _, st := range statuses {
		lockedBy := st.LockedBy
		if lockedBy == "" {
			lockedBy = "-"
		}
		fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%d\t%s\n",
			st.ID, st.Exists, st.QueueSize, st.PendingMessages, st.StateLength, lockedBy)
	}
	_ = tw.Flush()
}

// CleanOptions holds flags for the clean command.
type CleanOptions struct {
	*RootOptions
	RemoveEmpty  bool
	ReleaseLocks bool
}

// NewCleanCommand creates the clean command.
func NewCleanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove empty entities and release orphaned locks",
		Long: `Repair entity storage.

Empty entities carry no state, no queue, no lock and no pending messages.
Orphaned locks are held by an instance that no longer runs.

Example:
  entityflow clean
  entityflow clean --release-locks=false`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cleanStorage(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.RemoveEmpty, "remove-empty", true, "delete empty entities")
	cmd.Flags().BoolVar(&opts.ReleaseLocks, "release-locks", true, "release orphaned locks")

	return cmd
}

func cleanStorage(opts *CleanOptions, cmd *cobra.Command) (err error) {
	s, err := opts.openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	ctx := commandContext(cmd)
	result, err := s.client.CleanEntityStorage(ctx, opts.RemoveEmpty, opts.ReleaseLocks)
	if err != nil {
		return WrapExitError(ExitFailure, "clean failed", err)
	}
	// Released locks leave release messages in the inbox.
	if result.OrphanedLocksReleased > 0 {
		if err := s.engine.Drain(ctx); err != nil {
			return WrapExitError(ExitFailure, "clean failed", err)
		}
	}
	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Removed %d empty entities, released %d orphaned locks\n",
			result.EmptyEntitiesRemoved, result.OrphanedLocksReleased)
	})
}
