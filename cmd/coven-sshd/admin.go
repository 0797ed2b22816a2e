// ABOUTME: Offline administration subcommands operating on the SQLite store
// ABOUTME: Principal lifecycle, capability grants and the audit log viewer

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-sshd/internal/auth"
	"github.com/2389/coven-sshd/internal/config"
	"github.com/2389/coven-sshd/internal/store"
)

// cliActor is recorded as the actor of audit entries written by the CLI.
const cliActor = "cli"

var capabilityName = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runInit(args []string, out io.Writer) error {
	dataPath := getDataPath()

	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	hostKeyPath := fs.String("host-key", filepath.Join(dataPath, "ssh_host_ed25519_key"), "host key to create or reuse")
	dbPath := fs.String("db", filepath.Join(dataPath, "sshd.db"), "SQLite database path")
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	path := *cfgPath
	if path == "" {
		path = config.DefaultPath()
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
	}

	created, err := ensureHostKey(*hostKeyPath)
	if err != nil {
		return err
	}
	if created {
		green.Fprintf(out, "  ✓ Created host key: %s\n", *hostKeyPath)
	} else {
		cyan.Fprintf(out, "  Using existing host key: %s\n", *hostKeyPath)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.Template(*hostKeyPath, *dbPath)), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	green.Fprintf(out, "  ✓ Created config: %s\n", path)

	// Opening the store creates the schema
	db, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	db.Close()
	green.Fprintf(out, "  ✓ Database: %s\n", *dbPath)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Next:")
	fmt.Fprintln(out, "    coven-sshd add-principal --name you --key ~/.ssh/id_ed25519.pub --grant ADMIN")
	fmt.Fprintln(out, "    coven-sshd serve")
	return nil
}

// ensureHostKey creates an ed25519 host key at path unless one exists.
func ensureHostKey(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("generating host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "coven-sshd host key")
	if err != nil {
		return false, fmt.Errorf("encoding host key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, fmt.Errorf("creating host key directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return false, fmt.Errorf("writing host key: %w", err)
	}
	return true, nil
}

// openStore loads the config and opens its database.
func openStore(cfgPath string) (*store.SQLiteStore, error) {
	cfg, _, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func runAddPrincipal(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("add-principal", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	name := fs.String("name", "", "display name")
	keyPath := fs.String("key", "", "public key file (authorized_keys format)")
	pending := fs.Bool("pending", false, "register without approving")
	var grants stringList
	fs.Var(&grants, "grant", "capability to grant (repeatable)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	displayName := strings.TrimSpace(*name)
	if displayName == "" || *keyPath == "" {
		return fmt.Errorf("%w: --name and --key are required", errUsage)
	}
	if len(displayName) > 100 {
		return fmt.Errorf("display name exceeds maximum length of 100 characters")
	}
	caps, err := normalizeCapabilities(grants)
	if err != nil {
		return err
	}

	pubkey, comment, err := auth.ReadPublicKeyFile(*keyPath)
	if err != nil {
		return err
	}

	db, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer db.Close()

	status := store.PrincipalStatusApproved
	if *pending {
		status = store.PrincipalStatusPending
	}
	p := &store.Principal{
		ID:          uuid.New().String(),
		PubkeyFP:    auth.ComputeFingerprint(pubkey),
		DisplayName: displayName,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
	if comment != "" {
		p.Metadata = map[string]any{"key_comment": comment, "key_type": pubkey.Type()}
	}
	if err := db.CreatePrincipal(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicatePubkey) {
			return fmt.Errorf("key %s is already registered", p.PubkeyFP)
		}
		return fmt.Errorf("creating principal: %w", err)
	}
	appendAudit(ctx, db, store.AuditCreatePrincipal, "principal", p.ID, map[string]any{
		"display_name": displayName,
		"fingerprint":  p.PubkeyFP,
		"status":       string(status),
	})

	for _, c := range caps {
		if err := db.GrantCapability(ctx, p.ID, c); err != nil {
			return fmt.Errorf("granting %s: %w", c, err)
		}
		appendAudit(ctx, db, store.AuditGrantCapability, "principal", p.ID, map[string]any{"capability": c})
	}

	green := color.New(color.FgGreen)
	green.Fprintf(out, "  ✓ Created principal: %s\n", displayName)
	fmt.Fprintf(out, "  ID:           %s\n", p.ID)
	fmt.Fprintf(out, "  Fingerprint:  %s\n", p.PubkeyFP)
	fmt.Fprintf(out, "  Status:       %s\n", status)
	if len(caps) > 0 {
		fmt.Fprintf(out, "  Capabilities: %s\n", strings.Join(caps, ","))
	}
	return nil
}

func runPrincipals(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("principals", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	statusFlag := fs.String("status", "", "only list principals with this status")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	var filter store.PrincipalFilter
	if *statusFlag != "" {
		st := store.PrincipalStatus(*statusFlag)
		if !st.Valid() {
			return fmt.Errorf("%w: unknown status %q", errUsage, *statusFlag)
		}
		filter.Status = &st
	}

	db, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer db.Close()

	principals, err := db.ListPrincipals(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing principals: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tFINGERPRINT\tCAPABILITIES\tLAST SEEN")
	for _, p := range principals {
		caps, err := db.ListCapabilities(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("listing capabilities: %w", err)
		}
		capStr := strings.Join(caps, ",")
		if capStr == "" {
			capStr = "-"
		}
		lastSeen := "never"
		if p.LastSeen != nil {
			lastSeen = p.LastSeen.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.DisplayName, p.Status, shortFingerprint(p.PubkeyFP), capStr, lastSeen)
	}
	return w.Flush()
}

func runApprove(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: approve takes exactly one principal", errUsage)
	}

	db, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := resolvePrincipal(ctx, db, fs.Arg(0))
	if err != nil {
		return err
	}
	if err := db.UpdatePrincipalStatus(ctx, p.ID, store.PrincipalStatusApproved); err != nil {
		return fmt.Errorf("approving principal: %w", err)
	}
	appendAudit(ctx, db, store.AuditApprovePrincipal, "principal", p.ID, nil)

	color.New(color.FgGreen).Fprintf(out, "  ✓ Approved %s (%s)\n", p.DisplayName, p.ID)
	return nil
}

// runRevokePrincipal blocks a principal from authenticating. Grants are kept
// so a later approve restores the same access.
func runRevokePrincipal(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("revoke-principal", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: revoke-principal takes exactly one principal", errUsage)
	}

	db, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := resolvePrincipal(ctx, db, fs.Arg(0))
	if err != nil {
		return err
	}
	if p.Status == store.PrincipalStatusRevoked {
		fmt.Fprintf(out, "  %s (%s) is already revoked\n", p.DisplayName, p.ID)
		return nil
	}
	if err := db.UpdatePrincipalStatus(ctx, p.ID, store.PrincipalStatusRevoked); err != nil {
		return fmt.Errorf("revoking principal: %w", err)
	}
	appendAudit(ctx, db, store.AuditRevokePrincipal, "principal", p.ID, map[string]any{
		"previous_status": string(p.Status),
	})

	color.New(color.FgYellow).Fprintf(out, "  ✓ Revoked %s (%s)\n", p.DisplayName, p.ID)
	return nil
}

// runDeletePrincipal removes a principal and its grants. Audit entries that
// name it stay.
func runDeletePrincipal(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("delete-principal", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: delete-principal takes exactly one principal", errUsage)
	}

	db, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := resolvePrincipal(ctx, db, fs.Arg(0))
	if err != nil {
		return err
	}
	if err := db.DeletePrincipal(ctx, p.ID); err != nil {
		return fmt.Errorf("deleting principal: %w", err)
	}
	appendAudit(ctx, db, store.AuditDeletePrincipal, "principal", p.ID, map[string]any{
		"display_name": p.DisplayName,
		"fingerprint":  p.PubkeyFP,
	})

	color.New(color.FgRed).Fprintf(out, "  ✓ Deleted %s (%s)\n", p.DisplayName, p.ID)
	return nil
}

// runAudit prints audit entries newest first.
func runAudit(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	actor := fs.String("principal", "", "only entries by this principal (id, fingerprint, name or \"cli\")")
	action := fs.String("action", "", "only entries with this action")
	target := fs.String("target", "", "only entries about this target id")
	limit := fs.Int("limit", 50, "maximum entries to show (at most 1000)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	var filter store.AuditFilter
	filter.Limit = *limit
	if *action != "" {
		a := store.AuditAction(*action)
		if !slices.Contains(store.ValidAuditActions, a) {
			return fmt.Errorf("%w: unknown action %q", errUsage, *action)
		}
		filter.Action = &a
	}
	if *target != "" {
		filter.TargetID = target
	}

	db, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if *actor != "" {
		id := *actor
		if id != cliActor {
			p, err := resolvePrincipal(ctx, db, id)
			if err != nil {
				return err
			}
			id = p.ID
		}
		filter.ActorPrincipalID = &id
	}

	entries, err := db.ListAuditLog(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing audit log: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTOR\tACTION\tTARGET\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s:%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.ActorPrincipalID, e.Action,
			e.TargetType, e.TargetID, formatDetail(e.Detail))
	}
	return w.Flush()
}

// formatDetail renders detail as key=value pairs in key order.
func formatDetail(detail map[string]any) string {
	if len(detail) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, detail[k])
	}
	return strings.Join(parts, " ")
}

// runGrant grants (or with grant=false revokes) capabilities.
func runGrant(ctx context.Context, args []string, out io.Writer, grant bool) error {
	verb := "grant"
	if !grant {
		verb = "revoke"
	}
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("%w: %s takes a principal and at least one capability", errUsage, verb)
	}
	caps, err := normalizeCapabilities(fs.Args()[1:])
	if err != nil {
		return err
	}

	db, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := resolvePrincipal(ctx, db, fs.Arg(0))
	if err != nil {
		return err
	}

	for _, c := range caps {
		if grant {
			err = db.GrantCapability(ctx, p.ID, c)
		} else {
			err = db.RevokeCapability(ctx, p.ID, c)
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", verb, c, err)
		}
		action := store.AuditGrantCapability
		if !grant {
			action = store.AuditRevokeCapability
		}
		appendAudit(ctx, db, action, "principal", p.ID, map[string]any{"capability": c})
	}

	current, err := db.ListCapabilities(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("listing capabilities: %w", err)
	}
	capStr := strings.Join(current, ",")
	if capStr == "" {
		capStr = "(none)"
	}
	color.New(color.FgGreen).Fprintf(out, "  ✓ %s: %s\n", p.DisplayName, capStr)
	return nil
}

// resolvePrincipal finds a principal by id, fingerprint or unique display name.
func resolvePrincipal(ctx context.Context, db store.PrincipalStore, ref string) (*store.Principal, error) {
	p, err := db.GetPrincipal(ctx, ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	p, err = db.GetPrincipalByFingerprint(ctx, strings.ToLower(ref))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	all, err := db.ListPrincipals(ctx, store.PrincipalFilter{})
	if err != nil {
		return nil, err
	}
	var match *store.Principal
	for i := range all {
		if all[i].DisplayName != ref {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("display name %q is ambiguous; use the principal id", ref)
		}
		match = &all[i]
	}
	if match == nil {
		return nil, fmt.Errorf("principal %q: %w", ref, store.ErrNotFound)
	}
	return match, nil
}

func normalizeCapabilities(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		for _, part := range strings.Split(n, ",") {
			c := strings.ToUpper(strings.TrimSpace(part))
			if c == "" || seen[c] {
				continue
			}
			if !capabilityName.MatchString(c) {
				return nil, fmt.Errorf("%w: invalid capability name %q", errUsage, part)
			}
			seen[c] = true
			out = append(out, c)
		}
	}
	return out, nil
}

func appendAudit(ctx context.Context, db store.AuditStore, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	// The change already happened; a failed audit write only warns
	err := db.AppendAuditLog(ctx, &store.AuditEntry{
		ActorPrincipalID: cliActor,
		Action:           action,
		TargetType:       targetType,
		TargetID:         targetID,
		Detail:           detail,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: writing audit entry: %v\n", err)
	}
}

func shortFingerprint(fp string) string {
	if len(fp) <= 16 {
		return fp
	}
	return fp[:16]
}
