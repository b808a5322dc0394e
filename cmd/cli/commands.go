package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"

	"github.com/and161185/lexisync/internal/convert"
	"github.com/and161185/lexisync/internal/model"
)

var errUnknownCommand = errors.New("unknown command")

// syncClient is the part of grpcserver.Client the commands use.
type syncClient interface {
	SyncEntity(ctx context.Context, in *convert.SyncRequest, opts ...grpc.CallOption) (*convert.SyncResponse, error)
	Sync(ctx context.Context, in *convert.SessionRequest, opts ...grpc.CallOption) (*convert.SessionResponse, error)
	ResolveConflicts(ctx context.Context, in *convert.ResolveRequest, opts ...grpc.CallOption) (*convert.ResolveResponse, error)
	ListConflicts(ctx context.Context, in *convert.ListConflictsRequest, opts ...grpc.CallOption) (*convert.ConflictsResponse, error)
	Info(ctx context.Context, in *convert.DeviceRequest, opts ...grpc.CallOption) (*model.SyncInfo, error)
	Reset(ctx context.Context, in *convert.DeviceRequest, opts ...grpc.CallOption) (*convert.Empty, error)
}

func run(ctx context.Context, cli syncClient, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "sync":
		return runSync(ctx, cli, args, out)
	case "push":
		return runPush(ctx, cli, args, out)
	case "info":
		fs, device := deviceFlags("info")
		if err := fs.Parse(args); err != nil {
			return err
		}
		info, err := cli.Info(ctx, &convert.DeviceRequest{DeviceID: *device})
		if err != nil {
			return err
		}
		printJSON(out, info)
		return nil
	case "reset":
		fs, device := deviceFlags("reset")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if _, err := cli.Reset(ctx, &convert.DeviceRequest{DeviceID: *device}); err != nil {
			return err
		}
		a, err := loadAnchors()
		if err != nil {
			return err
		}
		delete(a, *device)
		if err := saveAnchors(a); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")
		return nil
	case "conflicts":
		fs, device := deviceFlags("conflicts")
		all := fs.Bool("all", false, "include resolved conflicts")
		if err := fs.Parse(args); err != nil {
			return err
		}
		resp, err := cli.ListConflicts(ctx, &convert.ListConflictsRequest{DeviceID: *device, IncludeResolved: *all})
		if err != nil {
			return err
		}
		printJSON(out, resp.Conflicts)
		return nil
	case "resolve":
		return runResolve(ctx, cli, args, out)
	default:
		return fmt.Errorf("%w: %s", errUnknownCommand, cmd)
	}
}

func deviceFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return fs, fs.String("device", "", "device id")
}

// runSync sends a full session and keeps the returned serverTime as the next anchor.
func runSync(ctx context.Context, cli syncClient, args []string, out io.Writer) error {
	fs, device := deviceFlags("sync")
	file := fs.String("file", "", "session batches (JSON object keyed by entity type, - for stdin)")
	full := fs.Bool("full", false, "ignore the stored anchor")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *device == "" {
		return errors.New("need -device")
	}

	req := &convert.SessionRequest{DeviceID: *device, AppVersion: "lexisync-cli/" + version, FullSync: *full}
	if *file != "" {
		b, err := readAll(*file)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(b, &req.Batches); err != nil {
			return fmt.Errorf("parse %s: %w", *file, err)
		}
	}

	a, err := loadAnchors()
	if err != nil {
		return err
	}
	if last, ok := a[*device]; ok && !*full {
		req.LastSyncTime = &last
	}

	resp, err := cli.Sync(ctx, req)
	if err != nil {
		return err
	}
	if resp.ServerTime != nil {
		a[*device] = resp.ServerTime.UTC()
		if err := saveAnchors(a); err != nil {
			return err
		}
	}
	printJSON(out, resp)
	return nil
}

func runPush(ctx context.Context, cli syncClient, args []string, out io.Writer) error {
	fs, device := deviceFlags("push")
	typ := fs.String("type", "", "entity type")
	file := fs.String("file", "", "items (JSON array, - for stdin)")
	deleted := fs.String("deleted", "", "comma separated ids to delete")
	since := fs.String("since", "", "lastSyncTime (RFC3339)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *device == "" || *typ == "" {
		return errors.New("need -device and -type")
	}

	req := &convert.SyncRequest{EntityType: *typ, DeviceID: *device, AppVersion: "lexisync-cli/" + version}
	if *file != "" {
		b, err := readAll(*file)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(b, &req.Items); err != nil {
			return fmt.Errorf("parse %s: %w", *file, err)
		}
	}
	ids, err := parseIDs(*deleted)
	if err != nil {
		return err
	}
	req.DeletedIDs = ids
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			return fmt.Errorf("bad -since: %w", err)
		}
		req.LastSyncTime = &t
	}

	resp, err := cli.SyncEntity(ctx, req)
	if err != nil {
		return err
	}
	printJSON(out, resp)
	return nil
}

func runResolve(ctx context.Context, cli syncClient, args []string, out io.Writer) error {
	fs, device := deviceFlags("resolve")
	typ := fs.String("type", "", "entity type")
	id := fs.Int64("id", 0, "entity id")
	strategy := fs.String("strategy", "", "UseClientVersion|UseServerVersion|UseCustomVersion|DeleteItem|MergeVersions")
	data := fs.String("data", "", "custom data file for UseCustomVersion (- for stdin)")
	notes := fs.String("notes", "", "resolution notes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *typ == "" || *id == 0 || *strategy == "" {
		return errors.New("need -type, -id and -strategy")
	}

	r := convert.Resolution{EntityType: *typ, EntityID: *id, Strategy: *strategy, Notes: *notes}
	if *data != "" {
		b, err := readAll(*data)
		if err != nil {
			return err
		}
		if !json.Valid(b) {
			return fmt.Errorf("%s is not valid JSON", *data)
		}
		r.CustomData = b
	}

	resp, err := cli.ResolveConflicts(ctx, &convert.ResolveRequest{DeviceID: *device, Resolutions: []convert.Resolution{r}})
	if err != nil {
		return err
	}
	printJSON(out, resp)
	return nil
}

func parseIDs(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
