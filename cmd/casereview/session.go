package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/complykit/casereview/core/engine"
	coreerrors "github.com/complykit/casereview/core/errors"
	"github.com/complykit/casereview/core/health"
	"github.com/complykit/casereview/core/projectconfig"
	"github.com/complykit/casereview/core/registry"
	schemasession "github.com/complykit/casereview/core/schema/v1/session"
	"github.com/complykit/casereview/core/store"
)

// commonFlags registers the flags shared by every subcommand.
func commonFlags(flags *flag.FlagSet) (configPath, root *string) {
	configPath = flags.String("config", projectconfig.DefaultPath, "path to the YAML config")
	root = flags.String("root", "", "storage root override")
	return configPath, root
}

func newEngineFromFlags(configPath, root string) (*engine.Engine, error) {
	config, err := projectconfig.Load(configPath, true)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(root) != "" {
		config.Storage.Root = root
	}
	return engine.New(engine.Options{
		Config:          config,
		ProducerVersion: version,
		Logger:          newLogger(),
	})
}

// resolveSession falls back to the most recent session when no identity is
// given, mirroring how operators usually pick up where they left off.
func resolveSession(eng *engine.Engine, sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) != "" {
		return strings.TrimSpace(sessionID), nil
	}
	summary, found, err := eng.MostRecent()
	if err != nil {
		return "", err
	}
	if !found {
		return "", coreerrors.New("no sessions exist yet", coreerrors.CategoryNotFound, "session_not_found", "create a session first", false)
	}
	return summary.SessionID, nil
}

func runCreate(arguments []string) int {
	flags := flag.NewFlagSet("create", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, root := commonFlags(flags)
	projectName := flags.String("project", "", "project name under review")
	documentsPath := flags.String("documents", "", "absolute path to the project documents")
	methodology := flags.String("methodology", "", "review methodology identifier")
	allowDuplicate := flags.Bool("allow-duplicate", false, "create even when an exact duplicate session exists")
	if err := flags.Parse(arguments); err != nil {
		return exitInvalidInput
	}

	eng, err := newEngineFromFlags(*configPath, *root)
	if err != nil {
		return writeError(err)
	}
	result, err := eng.Create(engine.CreateOptions{
		ProjectName:    *projectName,
		DocumentsPath:  *documentsPath,
		Methodology:    *methodology,
		AllowDuplicate: *allowDuplicate,
	})
	if err != nil {
		return writeError(err)
	}
	return writeJSONOutput(struct {
		OK bool `json:"ok"`
		engine.CreateResult
	}{OK: true, CreateResult: result}, exitOK)
}

func runList(arguments []string) int {
	flags := flag.NewFlagSet("list", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, root := commonFlags(flags)
	if err := flags.Parse(arguments); err != nil {
		return exitInvalidInput
	}

	eng, err := newEngineFromFlags(*configPath, *root)
	if err != nil {
		return writeError(err)
	}
	summaries, err := eng.List()
	if err != nil {
		return writeError(err)
	}
	return writeJSONOutput(struct {
		OK       bool               `json:"ok"`
		Sessions []registry.Summary `json:"sessions"`
	}{OK: true, Sessions: summaries}, exitOK)
}

func runResume(arguments []string) int {
	flags := flag.NewFlagSet("resume", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, root := commonFlags(flags)
	sessionID := flags.String("session", "", "session identity; defaults to the most recent session")
	if err := flags.Parse(arguments); err != nil {
		return exitInvalidInput
	}

	eng, err := newEngineFromFlags(*configPath, *root)
	if err != nil {
		return writeError(err)
	}
	resolved, err := resolveSession(eng, *sessionID)
	if err != nil {
		return writeError(err)
	}
	result, err := eng.Resume(resolved)
	if err != nil {
		return writeError(err)
	}
	return writeJSONOutput(struct {
		OK bool `json:"ok"`
		engine.ResumeResult
	}{OK: true, ResumeResult: result}, exitOK)
}

func runAdvance(arguments []string) int {
	flags := flag.NewFlagSet("advance", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, root := commonFlags(flags)
	sessionID := flags.String("session", "", "session identity; defaults to the most recent session")
	stage := flags.String("stage", "", "stage to advance")
	status := flags.String("status", "completed", "target status: in_progress, completed, or skipped")
	payloadPath := flags.String("payload", "", "path to a JSON file carrying the stage output record")
	if err := flags.Parse(arguments); err != nil {
		return exitInvalidInput
	}

	eng, err := newEngineFromFlags(*configPath, *root)
	if err != nil {
		return writeError(err)
	}
	resolved, err := resolveSession(eng, *sessionID)
	if err != nil {
		return writeError(err)
	}
	payload, err := loadPayload(schemasession.Stage(*stage), *payloadPath)
	if err != nil {
		return writeError(err)
	}
	descriptor, err := eng.AdvanceStage(resolved, engine.AdvanceOptions{
		Stage:   schemasession.Stage(*stage),
		Status:  schemasession.StageStatus(*status),
		Payload: payload,
	})
	if err != nil {
		return writeError(err)
	}
	return writeJSONOutput(struct {
		OK      bool                     `json:"ok"`
		Session schemasession.Descriptor `json:"session"`
	}{OK: true, Session: descriptor}, exitOK)
}

// loadPayload decodes the stage output file into the record type the stage
// produces.
func loadPayload(stage schemasession.Stage, payloadPath string) (engine.AdvancePayload, error) {
	payload := engine.AdvancePayload{}
	if strings.TrimSpace(payloadPath) == "" {
		return payload, nil
	}
	// #nosec G304 -- payload path is explicit local user input.
	content, err := os.ReadFile(payloadPath)
	if err != nil {
		return payload, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "payload_unreadable", "check the payload file path", false)
	}
	decode := func(target any) error {
		if err := json.Unmarshal(content, target); err != nil {
			return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "payload_malformed",
				fmt.Sprintf("the payload for stage %s does not parse", stage), false)
		}
		return nil
	}
	switch stage {
	case schemasession.StageDocumentDiscovery:
		payload.Documents = &schemasession.DocumentsIndex{}
		return payload, decode(payload.Documents)
	case schemasession.StageEvidenceExtraction:
		payload.Findings = &schemasession.FindingsIndex{}
		return payload, decode(payload.Findings)
	case schemasession.StageCrossValidation:
		payload.Validation = &schemasession.ValidationResults{}
		return payload, decode(payload.Validation)
	case schemasession.StageReportGeneration:
		payload.Reports = &schemasession.ReportReferences{}
		return payload, decode(payload.Reports)
	default:
		return payload, coreerrors.New(
			fmt.Sprintf("stage %q does not take a payload file", stage),
			coreerrors.CategoryInvalidInput, "payload_stage_mismatch", "omit --payload for this stage", false)
	}
}

func runComplete(arguments []string) int {
	flags := flag.NewFlagSet("complete", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, root := commonFlags(flags)
	sessionID := flags.String("session", "", "session identity; defaults to the most recent session")
	if err := flags.Parse(arguments); err != nil {
		return exitInvalidInput
	}

	eng, err := newEngineFromFlags(*configPath, *root)
	if err != nil {
		return writeError(err)
	}
	resolved, err := resolveSession(eng, *sessionID)
	if err != nil {
		return writeError(err)
	}
	descriptor, err := eng.Complete(resolved)
	if err != nil {
		return writeError(err)
	}
	return writeJSONOutput(struct {
		OK         bool                     `json:"ok"`
		Assessment string                   `json:"assessment"`
		Session    schemasession.Descriptor `json:"session"`
	}{OK: true, Assessment: descriptor.Assessment, Session: descriptor}, exitOK)
}

func runReopen(arguments []string) int {
	flags := flag.NewFlagSet("reopen", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, root := commonFlags(flags)
	sessionID := flags.String("session", "", "session identity; defaults to the most recent session")
	stage := flags.String("stage", "", "stage to reopen at")
	reason := flags.String("reason", "", "why the session is being reopened")
	if err := flags.Parse(arguments); err != nil {
		return exitInvalidInput
	}

	eng, err := newEngineFromFlags(*configPath, *root)
	if err != nil {
		return writeError(err)
	}
	resolved, err := resolveSession(eng, *sessionID)
	if err != nil {
		return writeError(err)
	}
	descriptor, err := eng.Reopen(resolved, schemasession.Stage(*stage), *reason)
	if err != nil {
		return writeError(err)
	}
	return writeJSONOutput(struct {
		OK      bool                     `json:"ok"`
		Session schemasession.Descriptor `json:"session"`
	}{OK: true, Session: descriptor}, exitOK)
}

func runCheck(arguments []string) int {
	flags := flag.NewFlagSet("check", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, root := commonFlags(flags)
	sessionID := flags.String("session", "", "session identity; defaults to the most recent session")
	if err := flags.Parse(arguments); err != nil {
		return exitInvalidInput
	}

	eng, err := newEngineFromFlags(*configPath, *root)
	if err != nil {
		return writeError(err)
	}
	resolved, err := resolveSession(eng, *sessionID)
	if err != nil {
		return writeError(err)
	}
	result := eng.Check(resolved)
	exitCode := exitOK
	if !result.Healthy {
		exitCode = exitCorrupted
	}
	return writeJSONOutput(struct {
		OK bool `json:"ok"`
		health.Result
	}{OK: result.Healthy, Result: result}, exitCode)
}

func runBackups(arguments []string) int {
	flags := flag.NewFlagSet("backups", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, root := commonFlags(flags)
	sessionID := flags.String("session", "", "session identity; defaults to the most recent session")
	record := flags.String("record", schemasession.RecordDescriptor, "record key to list backups for")
	if err := flags.Parse(arguments); err != nil {
		return exitInvalidInput
	}

	eng, err := newEngineFromFlags(*configPath, *root)
	if err != nil {
		return writeError(err)
	}
	resolved, err := resolveSession(eng, *sessionID)
	if err != nil {
		return writeError(err)
	}
	backups, err := eng.ListBackups(resolved, *record)
	if err != nil {
		return writeError(err)
	}
	return writeJSONOutput(struct {
		OK      bool           `json:"ok"`
		Backups []store.Backup `json:"backups"`
	}{OK: true, Backups: backups}, exitOK)
}

func runRestore(arguments []string) int {
	flags := flag.NewFlagSet("restore", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, root := commonFlags(flags)
	sessionID := flags.String("session", "", "session identity; defaults to the most recent session")
	record := flags.String("record", schemasession.RecordDescriptor, "record key to restore")
	backupID := flags.String("backup", "", "backup id from the backups command")
	if err := flags.Parse(arguments); err != nil {
		return exitInvalidInput
	}

	eng, err := newEngineFromFlags(*configPath, *root)
	if err != nil {
		return writeError(err)
	}
	resolved, err := resolveSession(eng, *sessionID)
	if err != nil {
		return writeError(err)
	}
	if err := eng.Restore(resolved, *record, *backupID); err != nil {
		return writeError(err)
	}
	return writeJSONOutput(struct {
		OK       bool   `json:"ok"`
		Session  string `json:"session_id"`
		Record   string `json:"record"`
		BackupID string `json:"backup_id"`
	}{OK: true, Session: resolved, Record: *record, BackupID: *backupID}, exitOK)
}

func runDelete(arguments []string) int {
	flags := flag.NewFlagSet("delete", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, root := commonFlags(flags)
	sessionID := flags.String("session", "", "session identity to delete")
	confirm := flags.Bool("yes", false, "confirm permanent deletion")
	if err := flags.Parse(arguments); err != nil {
		return exitInvalidInput
	}
	if strings.TrimSpace(*sessionID) == "" {
		return writeError(coreerrors.New("delete requires an explicit --session", coreerrors.CategoryInvalidInput, "session_required", "never deletes the most recent session implicitly", false))
	}
	if !*confirm {
		return writeError(coreerrors.New("deletion is permanent; pass --yes to confirm", coreerrors.CategoryInvalidInput, "confirmation_required", "backups are removed together with the session", false))
	}

	eng, err := newEngineFromFlags(*configPath, *root)
	if err != nil {
		return writeError(err)
	}
	if err := eng.Delete(*sessionID); err != nil {
		return writeError(err)
	}
	return writeJSONOutput(struct {
		OK      bool   `json:"ok"`
		Session string `json:"session_id"`
		Deleted bool   `json:"deleted"`
	}{OK: true, Session: *sessionID, Deleted: true}, exitOK)
}
