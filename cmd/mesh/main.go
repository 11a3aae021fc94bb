// mesh is the operator CLI for a running meshd node. It talks to the
// daemon's loopback admin API and prints JSON results.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	c := &client{base: fmt.Sprintf("http://127.0.0.1:%d", port())}

	var err error
	switch os.Args[1] {
	case "send":
		err = cmdSend(c, os.Args[2:])
	case "reply":
		err = cmdReply(c, os.Args[2:])
	case "broadcast":
		err = cmdBroadcast(c, os.Args[2:])
	case "converse", "rally":
		err = cmdConverse(c, os.Args[1], os.Args[2:])
	case "followup":
		err = cmdFollowUp(c, os.Args[2:])
	case "conversation":
		err = cmdConversation(c, os.Args[2:])
	case "queue":
		err = cmdQueue(c, os.Args[2:])
	case "discover":
		err = cmdDiscover(c, os.Args[2:])
	case "session":
		err = cmdSession(c, os.Args[2:])
	case "status":
		err = c.get("/api/mesh/summary")
	case "inbox":
		err = c.get("/inbox")
	case "export":
		err = c.get("/admin/export")
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `mesh - operator CLI for a meshd node

Usage:
  mesh send --to <agent> --subject <s> [--body <b>] [flags]
  mesh reply --to <agent> --correlation <msg id> --body <b> [--subject <s>]
  mesh broadcast --subject <s> [--body <b>] [--targets a,b]
  mesh converse <type> --question <q> [--participants a,b] [--ttl 5m] [--ack]
  mesh rally --question <q> [--participants a,b]
  mesh followup --id <conv> --question <q>
  mesh conversation list|show|search|consensus|complete|close|cancel|sweep [args]
  mesh queue status|drain|purge
  mesh discover status|probe|elect|gossip
  mesh discover join --name <agent> --ip <addr> [--port 8900] [--token <t>] [--role <r>] [--signing]
  mesh session list|send [--key <k> --body <b>]
  mesh status
  mesh inbox
  mesh export

The daemon port is taken from MESH_PORT (default 8900).
`)
}

func port() int {
	if v := os.Getenv("MESH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 8900
}

func cmdSend(c *client, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	to := fs.String("to", "", "target agent")
	typ := fs.String("type", "notification", "message type")
	subject := fs.String("subject", "", "message subject")
	body := fs.String("body", "", "message body")
	priority := fs.String("priority", "", "high, normal or low")
	ttl := fs.Int("ttl", 0, "envelope TTL in seconds")
	encrypt := fs.Bool("encrypt", false, "encrypt the payload body")
	sessionKey := fs.String("session", "", "session key to thread under")
	wait := fs.Int("wait", 0, "seconds to wait for a response (requests only)")
	var attachments stringList
	fs.Var(&attachments, "attach", "file to attach (repeatable)")
	fs.Parse(args)

	if *to == "" || *subject == "" {
		return fmt.Errorf("send requires --to and --subject")
	}
	if *wait > 0 && *typ == "notification" {
		*typ = "request"
	}
	return c.post("/admin/send", map[string]any{
		"to":          *to,
		"type":        *typ,
		"subject":     *subject,
		"body":        *body,
		"priority":    *priority,
		"ttl":         *ttl,
		"encrypt":     *encrypt,
		"sessionKey":  *sessionKey,
		"attachments": attachments,
		"waitSeconds": *wait,
	})
}

func cmdReply(c *client, args []string) error {
	fs := flag.NewFlagSet("reply", flag.ExitOnError)
	to := fs.String("to", "", "target agent")
	correlation := fs.String("correlation", "", "id of the message being answered")
	subject := fs.String("subject", "", "message subject, default Re: <correlation>")
	body := fs.String("body", "", "response body")
	fs.Parse(args)

	if *to == "" || *correlation == "" {
		return fmt.Errorf("reply requires --to and --correlation")
	}
	if *subject == "" {
		*subject = "Re: " + *correlation
	}
	return c.post("/admin/send", map[string]any{
		"to":            *to,
		"type":          "response",
		"subject":       *subject,
		"body":          *body,
		"correlationId": *correlation,
	})
}

func cmdBroadcast(c *client, args []string) error {
	fs := flag.NewFlagSet("broadcast", flag.ExitOnError)
	subject := fs.String("subject", "", "message subject")
	body := fs.String("body", "", "message body")
	targets := fs.String("targets", "", "comma-separated targets, default all peers")
	ttl := fs.Int("ttl", 0, "envelope TTL in seconds")
	fs.Parse(args)

	if *subject == "" {
		return fmt.Errorf("broadcast requires --subject")
	}
	return c.post("/admin/broadcast", map[string]any{
		"targets": splitList(*targets),
		"subject": *subject,
		"body":    *body,
		"ttl":     *ttl,
	})
}

func cmdConverse(c *client, verb string, args []string) error {
	typ := "rally"
	if verb == "converse" {
		if len(args) == 0 || strings.HasPrefix(args[0], "-") {
			return fmt.Errorf("converse requires a type: rally, collab, escalation, broadcast, opinion or brainstorm")
		}
		typ = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("converse", flag.ExitOnError)
	question := fs.String("question", "", "the question to pose")
	participants := fs.String("participants", "", "comma-separated agents, default all peers")
	ttl := fs.Duration("ttl", 0, "response collection window")
	ack := fs.Bool("ack", false, "request acks on broadcast conversations")
	fs.Parse(args)

	if *question == "" {
		return fmt.Errorf("a --question is required")
	}
	return c.post("/admin/converse", map[string]any{
		"type":         typ,
		"question":     *question,
		"participants": splitList(*participants),
		"ttlSeconds":   int(ttl.Seconds()),
		"ack":          *ack,
	})
}

func cmdFollowUp(c *client, args []string) error {
	fs := flag.NewFlagSet("followup", flag.ExitOnError)
	id := fs.String("id", "", "conversation id")
	question := fs.String("question", "", "the follow-up question")
	fs.Parse(args)

	if *id == "" || *question == "" {
		return fmt.Errorf("followup requires --id and --question")
	}
	return c.post("/admin/followup", map[string]any{
		"conversationId": *id,
		"question":       *question,
	})
}

func cmdConversation(c *client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("conversation requires a subcommand: list, show, search, consensus, complete, close, cancel or sweep")
	}
	switch args[0] {
	case "list":
		return c.get("/admin/conversations")
	case "show":
		if len(args) < 2 {
			return fmt.Errorf("conversation show requires an id")
		}
		return c.get("/admin/conversations/" + url.PathEscape(args[1]))
	case "search":
		if len(args) < 2 {
			return fmt.Errorf("conversation search requires a query")
		}
		return c.get("/admin/conversations/search?q=" + url.QueryEscape(strings.Join(args[1:], " ")))
	case "consensus":
		if len(args) < 2 {
			return fmt.Errorf("conversation consensus requires an id")
		}
		path := "/admin/conversations/" + url.PathEscape(args[1]) + "/consensus"
		if len(args) > 2 {
			path += "?round=" + url.QueryEscape(args[2])
		}
		return c.get(path)
	case "complete", "close", "cancel":
		if len(args) < 2 {
			return fmt.Errorf("conversation %s requires an id", args[0])
		}
		payload := map[string]any{}
		if len(args) > 2 {
			payload["reason"] = strings.Join(args[2:], " ")
		}
		return c.post("/admin/conversations/"+url.PathEscape(args[1])+"/"+args[0], payload)
	case "sweep", "timeout":
		return c.post("/admin/conversations/sweep", nil)
	default:
		return fmt.Errorf("unknown conversation subcommand %q", args[0])
	}
}

func cmdQueue(c *client, args []string) error {
	if len(args) == 0 {
		args = []string{"status"}
	}
	switch args[0] {
	case "status":
		return c.get("/admin/queue")
	case "drain":
		return c.post("/admin/queue/drain", nil)
	case "purge":
		return c.post("/admin/queue/purge", nil)
	default:
		return fmt.Errorf("unknown queue subcommand %q", args[0])
	}
}

func cmdDiscover(c *client, args []string) error {
	if len(args) == 0 {
		args = []string{"status"}
	}
	switch args[0] {
	case "status":
		return c.get("/admin/discover")
	case "probe":
		return c.post("/admin/discover/probe", nil)
	case "elect":
		return c.post("/admin/discover/elect", nil)
	case "gossip":
		return c.post("/admin/discover/gossip", nil)
	case "join":
		return cmdJoin(c, args[1:])
	default:
		return fmt.Errorf("unknown discover subcommand %q", args[0])
	}
}

func cmdJoin(c *client, args []string) error {
	fs := flag.NewFlagSet("discover join", flag.ExitOnError)
	name := fs.String("name", "", "peer agent name")
	ip := fs.String("ip", "", "peer IP address")
	port := fs.Int("port", 8900, "peer port")
	token := fs.String("token", "", "peer bearer token")
	role := fs.String("role", "", "registry role (hub, relay, sre, ...)")
	hook := fs.String("hook", "", "hook path override")
	signing := fs.Bool("signing", false, "peer requires signed envelopes")
	fs.Parse(args)

	if *name == "" || *ip == "" {
		return fmt.Errorf("discover join requires --name and --ip")
	}
	return c.post("/admin/discover/join", map[string]any{
		"name":     *name,
		"ip":       *ip,
		"port":     *port,
		"token":    *token,
		"role":     *role,
		"hookPath": *hook,
		"signing":  *signing,
	})
}

func cmdSession(c *client, args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		return c.get("/admin/sessions")
	case "send":
		fs := flag.NewFlagSet("session send", flag.ExitOnError)
		key := fs.String("key", "", "session key")
		body := fs.String("body", "", "message body")
		fs.Parse(args[1:])
		if *key == "" || *body == "" {
			return fmt.Errorf("session send requires --key and --body")
		}
		return c.post("/admin/sessions/send", map[string]any{
			"sessionKey": *key,
			"body":       *body,
		})
	default:
		return fmt.Errorf("unknown session subcommand %q", args[0])
	}
}

// client is a thin JSON client for the daemon's loopback API.
type client struct {
	base string
}

func (c *client) get(path string) error {
	resp, err := httpClient().Get(c.base + path)
	if err != nil {
		return fmt.Errorf("is meshd running? %w", err)
	}
	return printResponse(resp)
}

func (c *client) post(path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := httpClient().Post(c.base+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("is meshd running? %w", err)
	}
	return printResponse(resp)
}

func httpClient() *http.Client {
	// Generous budget: a waited send can block for its full window.
	return &http.Client{Timeout: 5 * time.Minute}
}

// printResponse pretty-prints the JSON body and turns HTTP errors into
// a non-zero exit.
func printResponse(resp *http.Response) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if json.Indent(&buf, raw, "", "  ") == nil {
		fmt.Println(buf.String())
	} else {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}

// stringList collects repeatable flag values.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
