package cmd

import (
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/openrdap/rdap"
	"github.com/spf13/cobra"
)

var domainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "Allow-list domain utilities",
}

// domainsInspectCmd looks up allow-list candidates over RDAP so an operator
// can spot typos and expired registrations before adding them to an agent.
var domainsInspectCmd = &cobra.Command{
	Use:   "inspect <domain> [domain...]",
	Short: "Inspect domain registrations via RDAP",
	Long: `Inspect one or more domains via RDAP and print their registration
state. Wildcard allow-list entries are inspected at their base domain:
"*.example.com" is looked up as "example.com".`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &rdap.Client{}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"Domain", "Registered", "Registrar", "Expiration", "Notes"})

		for _, raw := range args {
			name := normalizeAllowlistDomain(raw)
			registered, registrar, expiration, note := inspectDomain(client, name)
			t.AppendRow(table.Row{name, registered, registrar, expiration, note})
		}

		t.Render()
		return nil
	},
}

// normalizeAllowlistDomain strips the wildcard prefix and lowercases.
func normalizeAllowlistDomain(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.TrimPrefix(name, "*.")
	return name
}

func inspectDomain(client *rdap.Client, name string) (registered, registrar, expiration, note string) {
	req := rdap.NewDomainRequest(name)

	resp, err := client.Do(req)
	if err != nil {
		if isNotFound(err) {
			return "no", "", "", "not registered"
		}
		return "?", "", "", err.Error()
	}

	domain, ok := resp.Object.(*rdap.Domain)
	if !ok {
		return "?", "", "", "unexpected rdap response"
	}

	registrar = findRegistrar(domain)
	expiration = findEventDate(domain.Events, "expiration")
	if len(domain.Status) > 0 {
		note = strings.Join(domain.Status, ", ")
	}
	return "yes", registrar, expiration, note
}

func findRegistrar(domain *rdap.Domain) string {
	if domain == nil {
		return ""
	}

	for _, entity := range domain.Entities {
		for _, role := range entity.Roles {
			if role == "registrar" && entity.VCard != nil {
				return entity.VCard.Name()
			}
		}
	}

	return ""
}

func findEventDate(events []rdap.Event, action string) string {
	for _, event := range events {
		if event.Action == action {
			return event.Date
		}
	}
	return ""
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}

	clientErr, ok := err.(*rdap.ClientError)
	if !ok {
		return false
	}

	return clientErr.Type == rdap.ObjectDoesNotExist
}

func init() {
	rootCmd.AddCommand(domainsCmd)
	domainsCmd.AddCommand(domainsInspectCmd)
}
