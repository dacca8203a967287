// Command newslensctl drives a running newslens server from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"newslens/internal/client"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		server   string
		timeout  time.Duration
		jsonOut  bool
		api      *client.Client
		renderer *Renderer
	)

	rootCmd := &cobra.Command{
		Use:          "newslensctl",
		Short:        "Ingest and search news articles on a newslens server",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			api = client.New(server, timeout)
			renderer = NewRenderer(cmd.OutOrStdout(), jsonOut)
		},
	}

	defaultServer := os.Getenv("NEWSLENS_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8081"
	}
	rootCmd.PersistentFlags().StringVar(&server, "server", defaultServer, "Base URL of the newslens API")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print raw JSON instead of a styled listing")

	var (
		urlsFile string
		async    bool
	)
	ingestCmd := &cobra.Command{
		Use:   "ingest [urls...]",
		Short: "Extract, analyze, embed and store articles",
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := args
			if urlsFile != "" {
				fromFile, err := LoadURLs(urlsFile)
				if err != nil {
					return err
				}
				urls = append(urls, fromFile...)
			}
			if len(urls) == 0 {
				return fmt.Errorf("no urls given: pass them as arguments or with -f")
			}

			if async {
				res, err := api.StoreAsync(cmd.Context(), urls)
				if err != nil {
					return err
				}
				return renderer.Async(res)
			}
			res, err := api.Store(cmd.Context(), urls)
			if err != nil {
				return err
			}
			return renderer.Batch(res)
		},
	}
	ingestCmd.Flags().StringVarP(&urlsFile, "file", "f", "", "YAML file with a list of urls")
	ingestCmd.Flags().BoolVar(&async, "async", false, "Queue the urls for the ingestion worker")

	var (
		enhance bool
		limit   int
	)
	searchCmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Semantic search over stored articles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := api.Search(cmd.Context(), args[0], enhance, limit)
			if err != nil {
				return err
			}
			return renderer.Scored(results)
		},
	}
	searchCmd.Flags().BoolVar(&enhance, "enhance", true, "Rewrite the query with the language model first")
	searchCmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	var similarLimit int
	similarCmd := &cobra.Command{
		Use:   "similar ID",
		Short: "Articles nearest to a stored article",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := api.Similar(cmd.Context(), args[0], similarLimit)
			if err != nil {
				return err
			}
			return renderer.Scored(results)
		},
	}
	similarCmd.Flags().IntVar(&similarLimit, "limit", 0, "Maximum number of results")

	topicsCmd := &cobra.Command{
		Use:   "topics QUERY",
		Short: "Topic labels matching a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topics, err := api.Topics(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return renderer.Topics(topics)
		},
	}

	var topicLimit int
	byTopicCmd := &cobra.Command{
		Use:   "by-topic TOPIC",
		Short: "Articles tagged with a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			articles, err := api.ByTopic(cmd.Context(), args[0], topicLimit)
			if err != nil {
				return err
			}
			return renderer.Articles(articles)
		},
	}
	byTopicCmd.Flags().IntVar(&topicLimit, "limit", 0, "Maximum number of articles")

	rootCmd.AddCommand(ingestCmd, searchCmd, similarCmd, topicsCmd, byTopicCmd)
	rootCmd.SetContext(context.Background())
	return rootCmd
}
