// chat-cli is a terminal client for the stockchat server.
package main

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
)

func main() {
	server := pflag.String("server", "http://localhost:8080", "stockchat server base URL")
	session := pflag.String("session", "", "chat session to resume (empty = your default chat)")
	altScreen := pflag.Bool("alt-screen", true, "use the terminal's alternate screen")
	pflag.Parse()

	jar, err := cookiejar.New(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cookie jar:", err)
		os.Exit(1)
	}
	c := newClient(*server, *session, &http.Client{Jar: jar})

	opts := []tea.ProgramOption{}
	if *altScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	if _, err := tea.NewProgram(newModel(c), opts...).Run(); err != nil {
		fmt.Fprintln(os.Stderr, "chat-cli:", err)
		os.Exit(1)
	}
}
