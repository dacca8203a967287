package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"newslens/internal/client"
	"newslens/internal/ingest"
	"newslens/internal/news"
)

const (
	colorBlue   = "#58a6ff"
	colorGreen  = "#3fb950"
	colorRed    = "#f85149"
	colorYellow = "#d29922"
	colorGray   = "#8b949e"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorBlue))
	scoreStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGreen))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray))
	failedStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorRed))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorYellow))
	topicStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorBlue)).Padding(0, 1)
	summaryStyle = lipgloss.NewStyle().PaddingLeft(4).Width(96)
)

// Renderer prints API results either as indented JSON or as a styled listing.
type Renderer struct {
	w    io.Writer
	json bool
}

func NewRenderer(w io.Writer, asJSON bool) *Renderer {
	return &Renderer{w: w, json: asJSON}
}

func (r *Renderer) Batch(res *ingest.BatchResult) error {
	if r.json {
		return r.writeJSON(res)
	}
	for _, st := range res.Results {
		switch {
		case st.State.Failed():
			fmt.Fprintf(r.w, "%s %s\n", failedStyle.Render(string(st.State)), st.URL)
			if st.Reason != "" {
				fmt.Fprintln(r.w, mutedStyle.Render("    "+st.Reason))
			}
		default:
			fmt.Fprintf(r.w, "%s %s %s\n", scoreStyle.Render(string(st.State)), st.URL, mutedStyle.Render(st.ArticleID))
		}
		for _, w := range st.Warnings {
			fmt.Fprintln(r.w, warningStyle.Render("    warning: "+w))
		}
	}
	fmt.Fprintln(r.w, mutedStyle.Render(fmt.Sprintf("%d stored, %d failed", len(res.Stored), len(res.Failed))))
	return nil
}

func (r *Renderer) Async(res *client.AsyncResult) error {
	if r.json {
		return r.writeJSON(res)
	}
	for _, u := range res.Accepted {
		fmt.Fprintf(r.w, "%s %s\n", scoreStyle.Render("queued"), u)
	}
	for _, rej := range res.Rejected {
		fmt.Fprintf(r.w, "%s %s %s\n", failedStyle.Render("rejected"), rej.URL, mutedStyle.Render(rej.Reason))
	}
	return nil
}

func (r *Renderer) Scored(results []news.ScoredArticle) error {
	if r.json {
		return r.writeJSON(results)
	}
	if len(results) == 0 {
		fmt.Fprintln(r.w, mutedStyle.Render("no results"))
		return nil
	}
	for i, a := range results {
		fmt.Fprintf(r.w, "%2d. %s %s\n", i+1, titleStyle.Render(a.Title), scoreStyle.Render(fmt.Sprintf("%.3f", a.Score)))
		r.details(a.URL, a.ID, a.Summary, a.Topics)
	}
	return nil
}

func (r *Renderer) Articles(articles []news.Article) error {
	if r.json {
		return r.writeJSON(articles)
	}
	if len(articles) == 0 {
		fmt.Fprintln(r.w, mutedStyle.Render("no articles"))
		return nil
	}
	for i, a := range articles {
		fmt.Fprintf(r.w, "%2d. %s\n", i+1, titleStyle.Render(a.Title))
		r.details(a.URL, a.ID, a.Summary, a.Topics)
	}
	return nil
}

func (r *Renderer) Topics(topics []string) error {
	if r.json {
		return r.writeJSON(topics)
	}
	if len(topics) == 0 {
		fmt.Fprintln(r.w, mutedStyle.Render("no topics"))
		return nil
	}
	for _, t := range topics {
		fmt.Fprintln(r.w, topicStyle.Render(t))
	}
	return nil
}

func (r *Renderer) details(url, id, summary string, topics []string) {
	fmt.Fprintln(r.w, mutedStyle.Render("    "+url+"  "+id))
	if summary != "" {
		fmt.Fprintln(r.w, summaryStyle.Render(summary))
	}
	if len(topics) > 0 {
		fmt.Fprintln(r.w, "   "+topicStyle.Render(strings.Join(topics, " · ")))
	}
}

func (r *Renderer) writeJSON(v interface{}) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
