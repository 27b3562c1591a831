// Command ask answers questions against the harvested corpus by weighted
// keyword matching, and can prune unwanted pages by title.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ChillzonToast/nitc-chatbot/models"
	"github.com/ChillzonToast/nitc-chatbot/search"
	"github.com/ChillzonToast/nitc-chatbot/store"
)

func main() {
	dataFile := flag.String("data", "wiki_data.json", "Corpus file path")
	topN := flag.Int("n", 5, "Number of results to show")
	snippetWords := flag.Int("snippet", 40, "Words of content to show per result")
	prune := flag.String("prune", "", "Remove pages whose title contains this text, then exit")
	flag.Parse()

	st := store.New(*dataFile)
	snap, err := st.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load corpus: %v\n", err)
		os.Exit(1)
	}
	if len(snap.Pages) == 0 {
		fmt.Fprintf(os.Stderr, "corpus %s is empty, run the harvester first\n", *dataFile)
		os.Exit(1)
	}

	if *prune != "" {
		removed := snap.RemoveByTitle(*prune)
		if err := st.Flush(snap); err != nil {
			fmt.Fprintf(os.Stderr, "rewrite corpus: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Removed %d pages with %q in the title (%d remain)\n", removed, *prune, len(snap.Pages))
		return
	}

	ix, err := search.NewIndex(sortedPages(snap))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build index: %v\n", err)
		os.Exit(1)
	}

	if question := strings.TrimSpace(strings.Join(flag.Args(), " ")); question != "" {
		answer(ix, question, *topN, *snippetWords)
		return
	}

	fmt.Printf("Loaded %d wiki pages. Ask away (empty line or 'quit' to exit).\n", ix.Len())
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" || question == "quit" || question == "exit" {
			break
		}
		answer(ix, question, *topN, *snippetWords)
	}
}

func answer(ix *search.Index, question string, topN, snippetWords int) {
	matches := ix.Query(question, topN)
	if len(matches) == 0 {
		fmt.Println("No matching wiki pages found.")
		return
	}
	for i, match := range matches {
		fmt.Printf("%d. %s (score %.1f)\n", i+1, match.Page.Title, match.Score)
		if len(match.Page.Categories) > 0 {
			fmt.Printf("   Categories: %s\n", strings.Join(match.Page.Categories, ", "))
		}
		if match.Page.URL != "" {
			fmt.Printf("   %s\n", match.Page.URL)
		}
		fmt.Printf("   %s\n", search.Snippet(match.Page, snippetWords))
	}
}

func sortedPages(snap *store.Snapshot) []*models.PageRecord {
	pages := make([]*models.PageRecord, 0, len(snap.Pages))
	for _, rec := range snap.Pages {
		pages = append(pages, rec)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].OldID < pages[j].OldID })
	return pages
}
