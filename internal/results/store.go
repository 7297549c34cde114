// Package results persists crawl output under a per-domain execution
// directory: spreadsheets for the product catalogue, plain-text
// sidecars for human review, and processed-URL journals that let an
// interrupted run resume without refetching.
package results

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"

	"github.com/llagos04/products-scrapper/pkg/types"
)

const (
	productsFile        = "products.xlsx"
	withoutStockFile    = "products_without_stock.xlsx"
	productsTxtFile     = "products.txt"
	withoutStockTxtFile = "products_without_stock.txt"
	discardedFile       = "discarded_products.txt"
	processedURLsFile   = "processed_urls.txt"
	processedTitlesFile = "processed_titles.txt"
	counterFile         = "n.txt"
)

var sheetHeader = []string{"name", "description", "price", "url", "image_url", "keywords"}

// Store writes one execution's results. Products are deduplicated by
// title across both stock states; spreadsheet rows are buffered and
// written on Flush while the text journals are appended immediately.
type Store struct {
	dir       string
	execution int
	logger    *slog.Logger

	mu                  sync.Mutex
	seenTitles          map[string]struct{}
	pendingInStock      []types.Product
	pendingWithoutStock []types.Product
	totalInStock        int
	totalWithoutStock   int
	totalDiscarded      int
}

// Open prepares the execution directory for rootURL under baseDir.
// A fresh run bumps the per-domain execution counter; with resume set
// the latest execution directory is reused and its spreadsheet titles
// are preloaded, so an interrupted run picks up without duplicating
// rows or refetching journalled URLs.
func Open(baseDir, rootURL string, resume bool, logger *slog.Logger) (*Store, error) {
	domain, err := DomainName(rootURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	execution, err := executionNumber(filepath.Join(baseDir, domain), resume)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(baseDir, domain, fmt.Sprintf("execution_%d", execution))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create results directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		execution:  execution,
		logger:     logger,
		seenTitles: make(map[string]struct{}),
	}
	for _, name := range []string{productsFile, withoutStockFile} {
		titles, err := readSheetTitles(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for _, t := range titles {
			s.seenTitles[t] = struct{}{}
		}
	}
	return s, nil
}

// DomainName derives the results folder name from the root URL,
// dropping the www prefix.
func DomainName(rootURL string) (string, error) {
	u, err := url.Parse(rootURL)
	if err != nil {
		return "", fmt.Errorf("parse root url: %w", err)
	}
	host := strings.TrimPrefix(u.Host, "www.")
	if host == "" {
		return "", fmt.Errorf("root url %q has no host", rootURL)
	}
	return host, nil
}

// Dir returns the execution directory.
func (s *Store) Dir() string { return s.dir }

// Execution returns this run's execution number.
func (s *Store) Execution() int { return s.execution }

// Append records a batch of classified products. In-stock and
// without-stock products whose title was already seen are skipped;
// discarded URLs are journalled immediately. Returns how many
// catalogue rows (both stock states) were accepted.
func (s *Store) Append(inStock, withoutStock []types.Product, discarded []types.Product) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, p := range inStock {
		if !s.admitTitle(p.Title) {
			continue
		}
		s.pendingInStock = append(s.pendingInStock, p)
		s.totalInStock++
		added++
		if err := s.appendProductTxt(productsTxtFile, p); err != nil {
			return added, err
		}
	}
	for _, p := range withoutStock {
		if !s.admitTitle(p.Title) {
			continue
		}
		s.pendingWithoutStock = append(s.pendingWithoutStock, p)
		s.totalWithoutStock++
		added++
		if err := s.appendProductTxt(withoutStockTxtFile, p); err != nil {
			return added, err
		}
	}
	if len(discarded) > 0 {
		lines := make([]string, 0, len(discarded))
		for _, p := range discarded {
			lines = append(lines, p.URL)
		}
		s.totalDiscarded += len(discarded)
		if err := appendLines(filepath.Join(s.dir, discardedFile), lines); err != nil {
			return added, err
		}
	}
	return added, nil
}

func (s *Store) admitTitle(title string) bool {
	if _, ok := s.seenTitles[title]; ok {
		s.logger.Info("duplicate product skipped", "title", title)
		return false
	}
	s.seenTitles[title] = struct{}{}
	return true
}

// Flush writes buffered rows into the spreadsheets. Safe to call
// repeatedly; each call persists only what arrived since the last one.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pendingInStock) > 0 {
		if err := appendSheetRows(filepath.Join(s.dir, productsFile), s.pendingInStock); err != nil {
			return err
		}
		s.pendingInStock = s.pendingInStock[:0]
	}
	if len(s.pendingWithoutStock) > 0 {
		if err := appendSheetRows(filepath.Join(s.dir, withoutStockFile), s.pendingWithoutStock); err != nil {
			return err
		}
		s.pendingWithoutStock = s.pendingWithoutStock[:0]
	}
	return nil
}

// SaveURLTitles journals a processed batch: every pair goes into the
// URL journal, resolvable titles additionally into the title journal.
func (s *Store) SaveURLTitles(pairs []types.URLTitle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	urlLines := make([]string, 0, len(pairs))
	titleLines := make([]string, 0, len(pairs))
	for _, p := range pairs {
		urlLines = append(urlLines, p.Title+": "+p.URL)
		if p.Title != types.TitleNotFound {
			titleLines = append(titleLines, p.Title)
		}
	}
	if err := appendLines(filepath.Join(s.dir, processedURLsFile), urlLines); err != nil {
		return err
	}
	return appendLines(filepath.Join(s.dir, processedTitlesFile), titleLines)
}

// ProcessedURLs returns the raw lines of the URL journal.
func (s *Store) ProcessedURLs() ([]string, error) {
	return readLines(filepath.Join(s.dir, processedURLsFile))
}

// ProcessedTitles returns the titles journalled so far.
func (s *Store) ProcessedTitles() ([]string, error) {
	return readLines(filepath.Join(s.dir, processedTitlesFile))
}

// Totals reports accepted counts per classification.
func (s *Store) Totals() (inStock, withoutStock, discarded int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalInStock, s.totalWithoutStock, s.totalDiscarded
}

// TotalProducts counts catalogue rows accepted so far, both stock states.
func (s *Store) TotalProducts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalInStock + s.totalWithoutStock
}

func (s *Store) appendProductTxt(name string, p types.Product) error {
	var b strings.Builder
	b.WriteString(p.Title + "\n")
	b.WriteString("Precio: " + p.Price + "\n\n")
	b.WriteString(p.Description + "\n\n")
	b.WriteString(fmt.Sprintf("Información extraída de [%s](%s)\n\n", p.Title, p.URL))
	b.WriteString("\n-------\n\n")

	fh, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer fh.Close()
	if _, err := fh.WriteString(b.String()); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// executionNumber reads the per-domain run counter, reusing the
// current execution when resume is set and bumping it otherwise.
func executionNumber(domainDir string, resume bool) (int, error) {
	if err := os.MkdirAll(domainDir, 0o755); err != nil {
		return 0, fmt.Errorf("create domain directory: %w", err)
	}
	path := filepath.Join(domainDir, counterFile)

	n := 0
	if raw, err := os.ReadFile(path); err == nil {
		parsed, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			return 0, fmt.Errorf("corrupt execution counter %s: %w", path, err)
		}
		n = parsed
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("read execution counter: %w", err)
	}

	if resume && n > 0 {
		return n, nil
	}

	n++
	if err := os.WriteFile(path, []byte(strconv.Itoa(n)), 0o644); err != nil {
		return 0, fmt.Errorf("write execution counter: %w", err)
	}
	return n, nil
}

func appendSheetRows(path string, products []types.Product) error {
	f, sheet, next, err := openSheet(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, p := range products {
		row := []any{p.Title, p.Description, p.Price, p.URL, p.ImageURL, p.Title}
		for col, value := range row {
			cell, err := excelize.CoordinatesToCellName(col+1, next)
			if err != nil {
				return fmt.Errorf("cell name: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return fmt.Errorf("set cell: %w", err)
			}
		}
		next++
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", filepath.Base(path), err)
	}
	return nil
}

// openSheet opens or creates the workbook and returns the sheet name
// plus the first free row.
func openSheet(path string) (*excelize.File, string, int, error) {
	if _, err := os.Stat(path); err == nil {
		f, err := excelize.OpenFile(path)
		if err != nil {
			return nil, "", 0, fmt.Errorf("open %s: %w", filepath.Base(path), err)
		}
		sheet := f.GetSheetName(0)
		rows, err := f.GetRows(sheet)
		if err != nil {
			f.Close()
			return nil, "", 0, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		return f, sheet, len(rows) + 1, nil
	}

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	for col, name := range sheetHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, "", 0, fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, name); err != nil {
			f.Close()
			return nil, "", 0, fmt.Errorf("set header: %w", err)
		}
	}
	return f, sheet, 2, nil
}

// readSheetTitles loads the name column of an existing workbook.
func readSheetTitles(path string) ([]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var titles []string
	for i, row := range rows {
		if i == 0 || len(row) == 0 {
			continue
		}
		titles = append(titles, row[0])
	}
	return titles, nil
}

func appendLines(path string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer fh.Close()
	for _, line := range lines {
		if _, err := fh.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("write %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func readLines(path string) ([]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer fh.Close()

	var lines []string
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return lines, nil
}
