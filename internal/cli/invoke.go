package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/dispatch"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/reactive"
	"github.com/roach88/strata/internal/value"
)

// invokeWaitTimeout bounds how long a read waits for its store to settle.
const invokeWaitTimeout = 15 * time.Second

// InvokeResult is the JSON shape of a dispatched operation's outcome.
type InvokeResult struct {
	ID    string      `json:"id,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		dbPath   string
		schemaID string
		key      string
		data     string
		items    string
		filter   string
		register string
	)

	cmd := &cobra.Command{
		Use:   "invoke <op>",
		Short: "Dispatch one store operation",
		Long: `Dispatch a single operation against the tenant.

Operations: create, update, delete, append, read, resolve.

Examples:
  strata invoke create --schema task --data '{"title":"write report"}'
  strata invoke read --key task:report
  strata invoke read --schema task --filter '{"done":false}'
  strata invoke append --key log:boot --items '["started"]'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvoke(rootOpts, cmd, args[0], invokeFlags{
				dbPath:   dbPath,
				schemaID: schemaID,
				key:      key,
				data:     data,
				items:    items,
				filter:   filter,
				register: register,
			})
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "strata.db", "path to the replica database")
	cmd.Flags().StringVar(&schemaID, "schema", "", "schema id (create, query read)")
	cmd.Flags().StringVar(&key, "key", "", "registered key or object id")
	cmd.Flags().StringVar(&data, "data", "", "JSON object payload (create, update)")
	cmd.Flags().StringVar(&items, "items", "", "JSON list payload (append)")
	cmd.Flags().StringVar(&filter, "filter", "", "JSON equality filter (query read)")
	cmd.Flags().StringVar(&register, "register", "", "register the created id under this key")
	return cmd
}

type invokeFlags struct {
	dbPath   string
	schemaID string
	key      string
	data     string
	items    string
	filter   string
	register string
}

func runInvoke(opts *RootOptions, cmd *cobra.Command, opName string, flags invokeFlags) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	op, err := parseOperation(opName, flags)
	if err != nil {
		_ = formatter.Error("USAGE", err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid operation", err)
	}

	ctx := cmd.Context()
	tenant, closeTenant, err := openTenant(ctx, flags.dbPath, opts, cmd.ErrOrStderr())
	if err != nil {
		_ = formatter.Error("OPEN", err.Error(), nil)
		return err
	}
	defer closeTenant()

	resp, err := tenant.Dispatch(ctx, op)
	if err != nil {
		_ = formatter.Error(faultCode(err), err.Error(), faultDetails(err))
		return WrapExitError(ExitFailure, "operation failed", err)
	}

	if flags.register != "" {
		if err := tenant.Registry.Register(ctx, flags.register, resp.ID); err != nil {
			_ = formatter.Error(faultCode(err), err.Error(), nil)
			return WrapExitError(ExitFailure, "register failed", err)
		}
		formatter.VerboseLog("registered %s -> %s", flags.register, resp.ID)
	}

	return printResponse(ctx, formatter, resp)
}

// parseOperation converts command flags into a dispatch operation.
func parseOperation(opName string, flags invokeFlags) (dispatch.Operation, error) {
	switch strings.ToLower(opName) {
	case "create":
		if flags.schemaID == "" {
			return nil, fmt.Errorf("create requires --schema")
		}
		data, err := parseJSONMap(flags.data)
		if err != nil {
			return nil, fmt.Errorf("--data: %w", err)
		}
		return dispatch.Create{Schema: flags.schemaID, Data: data}, nil
	case "update":
		if flags.key == "" {
			return nil, fmt.Errorf("update requires --key")
		}
		data, err := parseJSONMap(flags.data)
		if err != nil {
			return nil, fmt.Errorf("--data: %w", err)
		}
		return dispatch.Update{Key: flags.key, Data: data}, nil
	case "delete":
		if flags.key == "" {
			return nil, fmt.Errorf("delete requires --key")
		}
		return dispatch.Delete{Key: flags.key}, nil
	case "append":
		if flags.key == "" {
			return nil, fmt.Errorf("append requires --key")
		}
		items, err := parseJSONList(flags.items)
		if err != nil {
			return nil, fmt.Errorf("--items: %w", err)
		}
		return dispatch.Append{Key: flags.key, Items: items}, nil
	case "read":
		if flags.key == "" && flags.schemaID == "" {
			return nil, fmt.Errorf("read requires --key or --schema")
		}
		var filter value.Map
		if flags.filter != "" {
			f, err := parseJSONMap(flags.filter)
			if err != nil {
				return nil, fmt.Errorf("--filter: %w", err)
			}
			filter = f
		}
		return dispatch.Read{Schema: flags.schemaID, Key: flags.key, Filter: filter}, nil
	case "resolve":
		if flags.key == "" {
			return nil, fmt.Errorf("resolve requires --key")
		}
		return dispatch.ResolveKey{Key: flags.key}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q (create|update|delete|append|read|resolve)", opName)
	}
}

func parseJSONMap(src string) (value.Map, error) {
	if src == "" {
		return value.Map{}, nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(src), &raw); err != nil {
		return nil, err
	}
	return value.MapFromAny(raw)
}

func parseJSONList(src string) ([]value.Value, error) {
	if src == "" {
		return nil, fmt.Errorf("a JSON list is required")
	}
	var raw []interface{}
	if err := json.Unmarshal([]byte(src), &raw); err != nil {
		return nil, err
	}
	items := make([]value.Value, len(raw))
	for i, elem := range raw {
		v, err := value.FromAny(elem)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		items[i] = v
	}
	return items, nil
}

// printResponse settles a reactive store if present and emits the outcome.
func printResponse(ctx context.Context, formatter *OutputFormatter, resp *dispatch.Response) error {
	result := InvokeResult{ID: string(resp.ID)}

	val := resp.Value
	if resp.Store != nil {
		if err := reactive.WaitForReady(ctx, resp.Store, invokeWaitTimeout); err != nil {
			_ = formatter.Error(faultCode(err), err.Error(), nil)
			return WrapExitError(ExitFailure, "read did not settle", err)
		}
		val = resp.Store.Value()
	}
	if val != nil {
		result.Value = value.ToAny(val)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	if result.ID != "" {
		fmt.Fprintf(formatter.Writer, "id: %s\n", result.ID)
	}
	if result.Value != nil {
		pretty, err := json.MarshalIndent(result.Value, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(formatter.Writer, string(pretty))
	}
	return nil
}

// faultCode extracts a stable code for display.
func faultCode(err error) string {
	if code := fault.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}

func faultDetails(err error) interface{} {
	var f *fault.Fault
	if errors.As(err, &f) && len(f.Details) > 0 {
		return f.Details
	}
	return nil
}
