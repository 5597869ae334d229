// Command client drives a room node through its signed operator endpoints.
package main

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	addr   string
	secret string
)

type Result struct {
	Code string          `json:"code"`
	Data json.RawMessage `json:"data"`
}

func MD5(s string) string {
	m := md5.New()
	m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// call signs body with md5(secret + body + ts) and sends it to path.
func call(method, path string, query url.Values, body []byte) (*Result, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		u, err = url.Parse("http://" + addr)
		if err != nil {
			return nil, err
		}
	}
	u.Path = path

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	if query == nil {
		query = url.Values{}
	}
	query.Set("sign", MD5(secret+string(body)+ts))
	query.Set("ts", ts)
	u.RawQuery = query.Encode()

	req, err := http.NewRequest(method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	result := Result{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%s: %s", resp.Status, data)
	}
	if result.Code != "ok" {
		return &result, fmt.Errorf("%s: %s", resp.Status, result.Data)
	}
	return &result, nil
}

func post(path string, v interface{}) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return printResult(call(http.MethodPost, path, nil, body))
	}
}

func get(path string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return printResult(call(http.MethodGet, path, nil, nil))
	}
}

func printResult(r *Result, err error) error {
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, r.Data, "", "  "); err != nil {
		fmt.Println(string(r.Data))
		return nil
	}
	fmt.Println(out.String())
	return nil
}

type replyRef struct {
	MessageID string `json:"messageId"`
	Author    string `json:"author"`
	Content   string `json:"content"`
}

func main() {
	root := &cobra.Command{
		Use:          "client",
		Short:        "Operator client for a room node",
		SilenceUsage: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&addr, "addr", "localhost:7100", "admin address of the node")
	root.PersistentFlags().StringVar(&secret, "secret", os.Getenv("ROOM_ADMINSECRET"), "admin secret")

	var reply replyRef
	send := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a public message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]interface{}{"content": args[0]}
			if reply.MessageID != "" {
				req["replyTo"] = reply
			}
			return post("/send", req)(cmd, args)
		},
	}
	send.Flags().StringVar(&reply.MessageID, "reply-id", "", "id of the message replied to")
	send.Flags().StringVar(&reply.Author, "reply-author", "", "author of the message replied to")
	send.Flags().StringVar(&reply.Content, "reply-content", "", "quoted content")

	react := &cobra.Command{
		Use:   "react <message-id> <like|dislike>",
		Short: "Toggle a reaction on a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return post("/react", map[string]string{"messageId": args[0], "reaction": args[1]})(cmd, args)
		},
	}

	read := &cobra.Command{
		Use:   "read <message-id>",
		Short: "Mark a message read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return post("/read", map[string]string{"messageId": args[0]})(cmd, args)
		},
	}

	var mime string
	upload := &cobra.Command{
		Use:   "upload <file>",
		Short: "Share an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if mime == "" {
				mime = http.DetectContentType(data)
			}
			return printResult(call(http.MethodPost, "/upload", url.Values{"mime": {mime}}, data))
		},
	}
	upload.Flags().StringVar(&mime, "mime", "", "mime type (detected when empty)")

	expiration := &cobra.Command{
		Use:   "expiration <minutes>",
		Short: "Set the message expiration, 0 disables it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			return post("/expiration", map[string]int{"minutes": minutes})(cmd, args)
		},
	}

	root.AddCommand(
		send, react, read, upload, expiration,
		&cobra.Command{Use: "clear", Short: "Clear the local history", RunE: post("/clear", struct{}{})},
		&cobra.Command{Use: "status", Short: "Show role and leader", RunE: get("/status")},
		&cobra.Command{Use: "history", Short: "Show the message history", RunE: get("/history")},
		&cobra.Command{Use: "users", Short: "Show the roster", RunE: get("/users")},
		&cobra.Command{Use: "errors", Short: "Show recent errors", RunE: get("/errors")},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
