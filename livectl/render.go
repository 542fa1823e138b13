package main

import (
	"fmt"
	"strings"

	"github.com/hemut/qalive/live"
)

func connectionLabel(view *live.View) string {
	if view.Connected {
		return "Live"
	}
	return "Offline"
}

func summarizeView(view *live.View) string {
	summary := fmt.Sprintf("[%d] %s %s questions=%d", view.Version, connectionLabel(view), view.ConnectionState, len(view.Questions))
	if view.Stale {
		summary += fmt.Sprintf(" stale (%s)", view.Err)
	}
	return summary
}

func renderView(view *live.View, config *live.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  Questions (%d)\n", config.ApiUrl, connectionLabel(view), len(view.Questions))
	if view.Stale {
		fmt.Fprintf(&b, "Out of date: %s\n", view.Err)
	}
	b.WriteString("\n")
	b.WriteString(renderQuestions(view.Questions))
	return b.String()
}

func renderQuestions(questions []*live.Question) string {
	if len(questions) == 0 {
		return "No questions yet.\n"
	}
	var b strings.Builder
	for _, question := range questions {
		createdAt := question.CreatedAt
		if createdTime, err := question.CreatedTime(); err == nil {
			createdAt = createdTime.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&b, "[%-9s] %s  %s • %s\n", question.Status, question.Id, question.Author, createdAt)
		fmt.Fprintf(&b, "    %s\n", question.Message)
		for _, answer := range question.Answers {
			answeredAt := answer.CreatedAt
			if answeredTime, err := answer.CreatedTime(); err == nil {
				answeredAt = answeredTime.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(&b, "    > %s • %s: %s\n", answer.Author, answeredAt, answer.Content)
		}
	}
	return b.String()
}
