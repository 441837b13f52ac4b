package main

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/bookspin/internal/config"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <chapter-id>",
	Short: "Ingest original chapter content",
	Long: `Ingest original chapter content from inline text, a URL, or a file.

Examples:
  bookspin ingest ch-01 --text "It was a dark and stormy night..."
  bookspin ingest ch-02 --url https://example.com/chapters/two
  bookspin ingest ch-03 --file ./chapter3.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chapterID := args[0]
		text, _ := cmd.Flags().GetString("text")
		srcURL, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")

		if text == "" && srcURL == "" && file == "" {
			return fmt.Errorf("one of --text, --url, or --file is required")
		}

		req := map[string]any{}
		switch {
		case text != "":
			req["content"] = text
		case srcURL != "":
			req["url"] = srcURL
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			if strings.EqualFold(filepath.Ext(file), ".pdf") {
				req["content"] = base64.StdEncoding.EncodeToString(data)
				req["format"] = "pdf"
			} else {
				req["content"] = string(data)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/chapters/"+url.PathEscape(chapterID)+"/source", req)
		if err != nil {
			return err
		}

		var result struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Saved original version %s for chapter %s", result.ID, chapterID)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "inline chapter text")
	ingestCmd.Flags().String("url", "", "URL to fetch chapter text from")
	ingestCmd.Flags().String("file", "", "file path to ingest (.pdf files are extracted)")
}

// --- spin ---

var spinCmd = &cobra.Command{
	Use:   "spin <chapter-id>",
	Short: "Queue a writer/reviewer cycle for a chapter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/chapters/"+url.PathEscape(args[0])+"/spin", map[string]any{})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Spin cycle queued for chapter %s", args[0])
		return nil
	},
}

// --- approve / revise ---

var approveCmd = &cobra.Command{
	Use:   "approve <chapter-id>",
	Short: "Approve the latest draft of a chapter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/chapters/"+url.PathEscape(args[0])+"/approve", map[string]any{})
		if err != nil {
			return err
		}

		var result struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Chapter %s approved (decision %s)", args[0], result.ID)
		return nil
	},
}

var reviseCmd = &cobra.Command{
	Use:   "revise <chapter-id> [feedback]",
	Short: "Request a revision of the latest draft, optionally with feedback",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		feedback := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/chapters/"+url.PathEscape(args[0])+"/revision", map[string]any{
			"feedback": feedback,
		})
		if err != nil {
			return err
		}

		var result struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Revision requested for chapter %s; a new cycle is queued", args[0])
		return nil
	},
}

// --- content / versions ---

var contentCmd = &cobra.Command{
	Use:   "content <chapter-id>",
	Short: "Print the latest content of a chapter version type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		versionType, _ := cmd.Flags().GetString("type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/chapters/" + url.PathEscape(args[0]) + "/content/" + url.PathEscape(versionType))
		if err != nil {
			return err
		}

		var v struct {
			Content   string `json:"content"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &v); err != nil {
			return err
		}

		fmt.Println(v.Content)
		return nil
	},
}

func init() {
	contentCmd.Flags().String("type", "spun", "version type: original, spun, approved, or revision_requested")
}

var versionsCmd = &cobra.Command{
	Use:   "versions <chapter-id>",
	Short: "List the version history of a chapter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		statusResp, err := client.get(cmd.Context(), "/chapters/" + url.PathEscape(args[0]) + "/status")
		if err != nil {
			return err
		}
		var status struct {
			Status string `json:"status"`
		}
		if err := decodeJSON(statusResp, &status); err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/chapters/" + url.PathEscape(args[0]) + "/versions")
		if err != nil {
			return err
		}

		var versions []struct {
			ID          string `json:"id"`
			VersionType string `json:"version_type"`
			CreatedAt   string `json:"created_at"`
		}
		if err := decodeJSON(resp, &versions); err != nil {
			return err
		}

		printStatus("Status", "%s", status.Status)
		if len(versions) == 0 {
			fmt.Println("No versions found.")
			return nil
		}

		for _, v := range versions {
			fmt.Printf("%s  %-20s  %s\n",
				colorize(colorCyan, v.ID[:8]),
				v.VersionType,
				v.CreatedAt,
			)
		}
		return nil
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over indexed chapter versions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		chapterID, _ := cmd.Flags().GetString("chapter")
		versionType, _ := cmd.Flags().GetString("type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("q", query)
		params.Set("top_k", fmt.Sprintf("%d", limit))
		if chapterID != "" {
			params.Set("chapter_id", chapterID)
		}
		if versionType != "" {
			params.Set("version_type", versionType)
		}

		resp, err := client.get(cmd.Context(), "/search?" + params.Encode())
		if err != nil {
			return err
		}

		var results []struct {
			ChapterID   string  `json:"chapter_id"`
			VersionType string  `json:"version_type"`
			Text        string  `json:"text"`
			Score       float32 `json:"score"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range results {
			fmt.Printf("\n%s [%s/%s, score: %.3f]\n",
				colorize(colorBold, fmt.Sprintf("Result %d", i+1)),
				r.ChapterID, r.VersionType, r.Score)
			text := r.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().String("chapter", "", "restrict results to one chapter")
	searchCmd.Flags().String("type", "", "restrict results to a version type")
}

// --- rewards ---

var rewardsCmd = &cobra.Command{
	Use:   "rewards <chapter-id>",
	Short: "Show the reward event log for a chapter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/rewards/%s?limit=%d", url.PathEscape(args[0]), limit))
		if err != nil {
			return err
		}

		var events []struct {
			EventType string            `json:"event_type"`
			Reward    float64           `json:"reward"`
			Details   map[string]string `json:"details"`
			CreatedAt string            `json:"created_at"`
		}
		if err := decodeJSON(resp, &events); err != nil {
			return err
		}

		if len(events) == 0 {
			fmt.Println("No reward events found.")
			return nil
		}

		for _, e := range events {
			score := fmt.Sprintf("%+.1f", e.Reward)
			if e.Reward >= 0 {
				score = colorize(colorGreen, score)
			} else {
				score = colorize(colorRed, score)
			}
			line := fmt.Sprintf("%s  %-22s  %s", e.CreatedAt, e.EventType, score)
			if action := e.Details["action"]; action != "" {
				line += "  " + action
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	rewardsCmd.Flags().Int("limit", 50, "maximum number of events to list")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
