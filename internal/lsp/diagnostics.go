package lsp

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	initializeTimeout      = 45 * time.Second
	diagnosticsWaitTimeout = 3 * time.Second
	diagnosticsDebounce    = 150 * time.Millisecond
	maxDiagnosticsPerFile  = 20
)

// debounceTimer collapses repeated publishDiagnostics arrivals for one path
// into a single wakeup roughly diagnosticsDebounce after the last one.
type debounceTimer struct {
	timer *time.Timer
}

// recordDiagnostics overwrites the stored diagnostics for uri and (re)arms
// its debounce timer, so waiters only wake once quiet settles.
func (lc *languageClient) recordDiagnostics(uri string, diags []Diagnostic) {
	lc.diagMu.Lock()
	defer lc.diagMu.Unlock()

	lc.diagnostics[uri] = diags

	if dt, ok := lc.debounce[uri]; ok {
		dt.timer.Reset(diagnosticsDebounce)
		return
	}
	lc.debounce[uri] = &debounceTimer{
		timer: time.AfterFunc(diagnosticsDebounce, func() { lc.fireWaiters(uri) }),
	}
}

func (lc *languageClient) fireWaiters(uri string) {
	lc.diagMu.Lock()
	waiters := lc.waiters[uri]
	delete(lc.waiters, uri)
	delete(lc.debounce, uri)
	lc.diagMu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

func (lc *languageClient) registerWaiter(uri string) chan struct{} {
	ch := make(chan struct{})
	lc.diagMu.Lock()
	lc.waiters[uri] = append(lc.waiters[uri], ch)
	lc.diagMu.Unlock()
	return ch
}

func (lc *languageClient) snapshotDiagnostics(uri string) []Diagnostic {
	lc.diagMu.Lock()
	defer lc.diagMu.Unlock()
	return append([]Diagnostic(nil), lc.diagnostics[uri]...)
}

// touchFile implements the document lifecycle step: didOpen with version 0
// the first time a file is seen, didChange with a full-text replacement and
// an incremented version on every subsequent touch.
func (lc *languageClient) touchFile(ctx context.Context, file string) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	uri := "file://" + file

	lc.mu.Lock()
	version, open := lc.openFiles[file]
	lc.mu.Unlock()

	if !open {
		params := DidOpenTextDocumentParams{
			TextDocument: TextDocumentItem{
				URI:        uri,
				LanguageID: detectLanguageID(file),
				Version:    0,
				Text:       string(content),
			},
		}
		lc.mu.Lock()
		lc.openFiles[file] = 0
		lc.mu.Unlock()
		return lc.conn.notify(ctx, "textDocument/didOpen", params)
	}

	version++
	params := DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{URI: uri, Version: version},
		ContentChanges: []TextDocumentContentChangeEvent{
			{Text: string(content)},
		},
	}
	lc.mu.Lock()
	lc.openFiles[file] = version
	lc.mu.Unlock()
	return lc.conn.notify(ctx, "textDocument/didChange", params)
}

// waitForDiagnostics blocks until a debounced diagnostics wakeup for path,
// the wait timeout, or ctx cancellation, then returns whatever is currently
// stored for that path.
func (lc *languageClient) waitForDiagnostics(ctx context.Context, path string) []Diagnostic {
	uri := "file://" + path
	ch := lc.registerWaiter(uri)

	timer := time.NewTimer(diagnosticsWaitTimeout)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}

	return lc.snapshotDiagnostics(uri)
}

// TouchFile opens or updates path with the owning language server and,
// when waitForDiagnostics is set, blocks briefly for a debounced
// publishDiagnostics wakeup before formatting whatever diagnostics are on
// file into a bounded <diagnostics> block. Satisfies the tool package's
// lspToucher seam.
func (c *Client) TouchFile(ctx context.Context, path string, waitForDiagnostics bool) (string, error) {
	client, err := c.GetClient(ctx, path)
	if err != nil {
		return "", err
	}

	if err := client.touchFile(ctx, path); err != nil {
		return "", err
	}

	if !waitForDiagnostics {
		return "", nil
	}

	diags := client.waitForDiagnostics(ctx, path)
	return formatDiagnosticsBlock(path, diags), nil
}

func formatDiagnosticsBlock(path string, diags []Diagnostic) string {
	if len(diags) == 0 {
		return ""
	}

	shown := diags
	omitted := 0
	if len(shown) > maxDiagnosticsPerFile {
		omitted = len(shown) - maxDiagnosticsPerFile
		shown = shown[:maxDiagnosticsPerFile]
	}

	var b strings.Builder
	b.WriteString("<diagnostics>\n")
	fmt.Fprintf(&b, "%s:\n", path)
	for _, d := range shown {
		fmt.Fprintf(&b, "  [%s] %d:%d %s\n", severityLabel(d.Severity), d.Range.Start.Line+1, d.Range.Start.Character+1, d.Message)
	}
	if omitted > 0 {
		fmt.Fprintf(&b, "  ... %d more diagnostics omitted\n", omitted)
	}
	b.WriteString("</diagnostics>")
	return b.String()
}

func severityLabel(sev int) string {
	switch sev {
	case DiagnosticSeverityError:
		return "error"
	case DiagnosticSeverityWarning:
		return "warning"
	case DiagnosticSeverityInformation:
		return "info"
	case DiagnosticSeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}
