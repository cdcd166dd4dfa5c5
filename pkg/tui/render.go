package tui

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/fidiego/http-mirror/pkg/capture"
	"github.com/fidiego/http-mirror/pkg/proxy"
)

// flowRow renders one table row. n is the 1-based position in the list.
func flowRow(n int, f *proxy.Flow) table.Row {
	method, path := "-", "-"
	if f.Request != nil {
		method, path = f.Request.Method, f.Request.Path
	}
	status, size := "-", "-"
	if f.Response != nil {
		status = strconv.Itoa(f.Response.StatusCode)
		size = formatSize(f.Response.BodySize)
	} else if f.State == proxy.FlowStateError {
		status = "ERR"
	}
	if f.Internal {
		method = "↻" + method
	}
	req, resp := f.Mirror.Get()
	return table.Row{
		strconv.Itoa(n),
		method,
		status,
		f.Upstream,
		path,
		formatDur(f.Duration()),
		size,
		mirrorLabel(req),
		mirrorLabel(resp),
	}
}

// mirrorLabel is the table text for a mirror status. Table cells are
// measured unstyled, so the label carries no color.
func mirrorLabel(s proxy.MirrorStatus) string {
	if s == proxy.MirrorNone {
		return "-"
	}
	return string(s)
}

func renderFlowDetail(f *proxy.Flow, width int) string {
	var b strings.Builder
	half := (width - 3) / 2

	status := "-"
	if f.Response != nil {
		status = lipgloss.NewStyle().Foreground(statusColor(f.Response.StatusCode)).Bold(true).
			Render(strconv.Itoa(f.Response.StatusCode))
	} else if f.State == proxy.FlowStateError {
		status = styleError.Render("ERR")
	}
	method, path := "", ""
	if f.Request != nil {
		method, path = f.Request.Method, f.Request.Path
	}
	fmt.Fprintf(&b, "%s %s  →  %s  [%s]  %s\n",
		styleKeyword.Render(method), path, f.Upstream, formatDur(f.Duration()), status)
	b.WriteString(styleDivider.Render(strings.Repeat("─", max(width, 0))))
	b.WriteString("\n")

	if len(f.Tags) > 0 || f.Internal {
		if f.Internal {
			b.WriteString(styleTag.Render("internal") + " ")
		}
		for _, t := range f.Tags {
			b.WriteString(styleTag.Render(t) + " ")
		}
		b.WriteString("\n\n")
	}

	b.WriteString(renderMirror(f))
	b.WriteString("\n")

	reqLines := strings.Split(renderRequest(f, half), "\n")
	respLines := strings.Split(renderResponse(f, half), "\n")
	sep := styleDivider.Render("│")
	col := lipgloss.NewStyle().Width(max(half, 1))
	for i := 0; i < max(len(reqLines), len(respLines)); i++ {
		var rl, sl string
		if i < len(reqLines) {
			rl = reqLines[i]
		}
		if i < len(respLines) {
			sl = respLines[i]
		}
		b.WriteString(col.Render(rl) + sep + col.Render(sl) + "\n")
	}
	return b.String()
}

// renderMirror shows where each envelope of the flow stands.
func renderMirror(f *proxy.Flow) string {
	snap := f.Mirror.Snapshot()
	var b strings.Builder
	b.WriteString(styleSectionTitle.Render("Mirror"))
	b.WriteString("\n")
	line := func(kind string, s proxy.MirrorStatus, errMsg string) {
		label := "not mirrored"
		if s != proxy.MirrorNone {
			label = string(s)
		}
		fmt.Fprintf(&b, "%-9s %s", kind, lipgloss.NewStyle().Foreground(mirrorColor(s)).Render(label))
		if errMsg != "" {
			b.WriteString("  " + styleError.Render(errMsg))
		}
		b.WriteString("\n")
	}
	line("request", snap.Request, snap.RequestError)
	line("response", snap.Response, snap.ResponseError)
	return b.String()
}

func renderRequest(f *proxy.Flow, width int) string {
	if f.Request == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(styleSectionTitle.Width(max(width, 1)).Render("Request"))
	b.WriteString("\n")
	b.WriteString(styleKeyword.Render(f.Request.Method) + " " + f.Request.URL + "\n")
	writeHeaders(&b, f.Request.HeaderList(), width)
	writeBody(&b, f.Request.Headers.Get("Content-Type"), f.Request.Body, f.Request.BodySize, f.Request.BodyTruncated)
	return b.String()
}

func renderResponse(f *proxy.Flow, width int) string {
	title := styleSectionTitle.Width(max(width, 1)).Render("Response")
	if f.Response == nil {
		if f.Error != "" {
			return title + "\n" + styleError.Render("Error: "+f.Error)
		}
		return title + "\n(pending)"
	}
	var b strings.Builder
	b.WriteString(title + "\n")
	b.WriteString(lipgloss.NewStyle().Foreground(statusColor(f.Response.StatusCode)).Bold(true).
		Render(strconv.Itoa(f.Response.StatusCode)) + "\n")
	writeHeaders(&b, f.Response.HeaderList(), width)
	writeBody(&b, f.Response.Headers.Get("Content-Type"), f.Response.Body, f.Response.BodySize, f.Response.BodyTruncated)
	return b.String()
}

// writeHeaders lists headers in the order they are mirrored.
func writeHeaders(b *strings.Builder, headers []capture.Header, width int) {
	for _, hdr := range headers {
		b.WriteString(styleGray.Render(hdr.Name+": ") + truncateStr(hdr.Value, width-len(hdr.Name)-4) + "\n")
	}
}

func writeBody(b *strings.Builder, contentType string, body []byte, size int64, truncated bool) {
	if len(body) == 0 {
		return
	}
	b.WriteString("\n" + prettyBody(contentType, body))
	if truncated {
		b.WriteString(styleError.Render(fmt.Sprintf("\n… (%s of %s shown)", formatSize(int64(len(body))), formatSize(size))))
	}
}

// prettyBody indents JSON bodies and shortens everything else.
func prettyBody(contentType string, body []byte) string {
	if strings.Contains(strings.ToLower(contentType), "json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			if pretty, err := json.MarshalIndent(v, "", "  "); err == nil {
				return string(pretty)
			}
		}
	}
	return truncateStr(string(body), 2000)
}

func truncateStr(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatDur(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}

func formatSize(n int64) string {
	switch {
	case n == 0:
		return "0"
	case n < 1024:
		return fmt.Sprintf("%dB", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1fK", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1fM", float64(n)/1024/1024)
	}
}
