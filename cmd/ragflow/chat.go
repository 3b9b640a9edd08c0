package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/rag"
)

const chatHelp = `Ask a question, or use:
  /ingest <path> [source_id]  ingest a PDF
  /topk <n>                   set the number of retrieved chunks
  /quit                       exit`

func chat(ctx context.Context, a *app, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.engine.Start(ctx); err != nil {
			logger.Error("worker stopped", "error", err)
		}
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "ragflow> ",
		HistoryFile:     filepath.Join(os.TempDir(), "ragflow_history.txt"),
		InterruptPrompt: "^C",
		EOFPrompt:       "Goodbye!\n",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	topK := rag.DefaultTopK
	fmt.Println(chatHelp)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		} else if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case strings.HasPrefix(line, "/ingest"):
			args := strings.Fields(strings.TrimPrefix(line, "/ingest"))
			if len(args) == 0 || len(args) > 2 {
				fmt.Println("usage: /ingest <path> [source_id]")
				continue
			}
			payload := rag.IngestPayload{PDFPath: args[0]}
			if len(args) == 2 {
				payload.SourceID = args[1]
			}
			var out rag.IngestResult
			if err := sendAndWait(ctx, a.client, rag.IngestEvent, payload, &out); err != nil {
				fmt.Println("[error]", err)
				continue
			}
			fmt.Printf("ingested %d chunks from %s\n\n", out.IngestedCount, out.SourceID)
		case strings.HasPrefix(line, "/topk"):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/topk")))
			if err != nil || n < 1 || n > rag.MaxTopK {
				fmt.Printf("usage: /topk <1-%d>\n", rag.MaxTopK)
				continue
			}
			topK = n
			fmt.Printf("top_k set to %d\n", topK)
		case strings.HasPrefix(line, "/"):
			fmt.Println(chatHelp)
		default:
			k := topK
			var out rag.QueryResult
			if err := sendAndWait(ctx, a.client, rag.QueryEvent, rag.QueryPayload{Question: line, TopK: &k}, &out); err != nil {
				fmt.Println("[error]", err)
				continue
			}
			fmt.Printf("\n%s\n", out.Answer)
			if len(out.Sources) > 0 {
				fmt.Printf("sources: %s (%d chunks)\n", strings.Join(out.Sources, ", "), out.NumContexts)
			}
			fmt.Println()
		}
	}
}

func sendAndWait(ctx context.Context, client *ragflow.Client, name string, payload, out any) error {
	res, err := client.Send(ctx, name, payload)
	if err != nil {
		return err
	}
	if res.Denied != nil {
		return fmt.Errorf("rate limited, retry after %ds", res.Denied.RetryAfterSeconds())
	}
	run, err := client.Wait(ctx, res.RunID)
	if err != nil {
		return err
	}
	return ragflow.Output(run, out)
}
