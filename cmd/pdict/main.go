// Command pdict inspects and mutates a persistent cache file.
//
//	pdict -k url -v '<html>...</html>' cache.db   store a value
//	pdict -k url cache.db                         print a value
//	pdict -k url -m cache.db                      render cached HTML as markdown
//	pdict -k url -b cache.db                      open the value in a browser
//	pdict -fetch https://example.com cache.db     fetch a URL through the cache
//	pdict -c cache.db                             clear the cache
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/richardpenman/pdict"
	"github.com/richardpenman/pdict/internal/logger"
	"github.com/richardpenman/pdict/internal/web"
)

func main() {
	var (
		key      = flag.String("k", "", "the key to use")
		value    = flag.String("v", "", "the value to store under -k")
		browser  = flag.Bool("b", false, "view the content of -k in a web browser")
		markdown = flag.Bool("m", false, "render the content of -k as markdown")
		fetchURL = flag.String("fetch", "", "fetch this URL through the cache and print the body")
		clearAll = flag.Bool("c", false, "clear all data for this cache")
		expires  = flag.Duration("expires", 0, "treat entries older than this as stale (0 disables)")
		level    = flag.Int("level", pdict.DefaultCompressLevel, "zlib compression level (1-9)")
		external = flag.Bool("external", false, "keep values in a blob file next to the cache")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [options] <cache file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		fatal("must specify the cache file")
	}

	if err := logger.InitFromEnv(); err != nil {
		fatal(err.Error())
	}
	defer logger.Close()

	opts := pdict.Options{
		Filename:       flag.Arg(0),
		CompressLevel:  *level,
		ExternalValues: *external,
	}
	if *expires > 0 {
		opts.ExpiresAfter = pdict.Expires(*expires)
	}
	dict, err := pdict.Open[string](opts)
	if err != nil {
		fatal(err.Error())
	}
	defer dict.Close()

	switch {
	case *fetchURL != "":
		page, err := web.NewFetcher(dict).Fetch(*fetchURL)
		if err != nil {
			fatal(err.Error())
		}
		logger.Infof("fetched %s (cached=%v)", *fetchURL, page.Cached)
		fmt.Println(page.Body)

	case *key != "" && *value != "":
		if err := dict.Set(*key, *value); err != nil {
			fatal(err.Error())
		}
		logger.Infof("stored %q in %s", *key, opts.Filename)

	case *key != "" && *browser:
		body := mustGet(dict, *key)
		path, err := writeTemp(body)
		if err != nil {
			fatal(err.Error())
		}
		if err := openBrowser(path); err != nil {
			fatal(err.Error())
		}

	case *key != "" && *markdown:
		body := mustGet(dict, *key)
		md, err := htmltomarkdown.ConvertString(body)
		if err != nil {
			// Not HTML after all; show it as stored.
			md = body
		}
		fmt.Println(md)

	case *key != "":
		fmt.Println(mustGet(dict, *key))

	case *clearAll:
		fmt.Print("Really? Clear the cache? (y/n) ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.TrimSpace(line) == "y" {
			if err := dict.Clear(); err != nil {
				fatal(err.Error())
			}
			fmt.Println("cleared")
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func mustGet(dict *pdict.Dict[string], key string) string {
	value, err := dict.Get(key)
	if err != nil {
		fatal(err.Error())
	}
	return value
}

func writeTemp(body string) (string, error) {
	f, err := os.CreateTemp("", "pdict-*.html")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(body); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func openBrowser(path string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", path).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", path).Start()
	default:
		return exec.Command("xdg-open", path).Start()
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "pdict:", msg)
	logger.Errorf("%s", msg)
	os.Exit(1)
}
