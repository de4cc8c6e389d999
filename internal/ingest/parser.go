// Package ingest загружает страницу баланса карты и разбирает её в снимок состояния.
package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/magabrotheeeer/breezeminder/internal/models"
)

// ErrInvalidCard сервис баланса не принял номер карты.
var ErrInvalidCard = errors.New("invalid card response")

const (
	invalidMarker   = "enter card serial number"
	expiresMarker   = "your card will expire"
	storedMarker    = "stored value"
	productsMarker  = "product name"
	pendingMarker   = "pending autoload transactions"
	noProductMarker = "no active product"
	dateLayout      = "01-02-2006"
)

var datePattern = regexp.MustCompile(`\d{2}-\d{2}-\d{4}`)

// IsValid сообщает, что документ не содержит маркера неверного номера карты.
func IsValid(doc []byte) bool {
	return !bytes.Contains(bytes.ToLower(doc), []byte(invalidMarker))
}

// Parse разбирает страницу баланса. Отсутствующие блоки не считаются ошибкой:
// соответствующие поля снимка остаются пустыми.
func Parse(doc []byte) (models.CardState, error) {
	const op = "ingest.Parse"

	if !IsValid(doc) {
		return models.CardState{}, fmt.Errorf("%s: %w", op, ErrInvalidCard)
	}

	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return models.CardState{}, fmt.Errorf("%s: %w", op, err)
	}
	cells := collect(root, atom.Td)

	state := models.CardState{
		ExpirationDate: parseExpiration(cells),
		StoredValue:    parseStoredValue(cells),
		Products:       parseProducts(cells),
		Pending:        parsePending(cells),
	}
	return state, nil
}

func parseExpiration(cells []*html.Node) *time.Time {
	cell := findCell(cells, expiresMarker)
	if cell == nil {
		return nil
	}
	return parseDate(text(cell))
}

func parseStoredValue(cells []*html.Node) *decimal.Decimal {
	cell := findCell(cells, storedMarker)
	if cell == nil {
		return nil
	}
	next := nextElement(cell, atom.Td)
	if next == nil {
		return nil
	}
	raw := strings.TrimSpace(strings.ReplaceAll(text(next), "$", ""))
	if raw == "" {
		return nil
	}
	v, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return nil
	}
	return &v
}

func parseProducts(cells []*html.Node) []models.Product {
	products := []models.Product{}
	for _, row := range rowsAfter(cells, productsMarker) {
		tds := collect(row, atom.Td)
		if len(tds) != 3 {
			break
		}
		name := text(tds[0])
		if name == "" || strings.Contains(strings.ToLower(name), noProductMarker) {
			continue
		}
		p := models.Product{Name: name}
		if n, err := strconv.Atoi(text(tds[2])); err == nil {
			p.RemainingRides = &n
		}
		p.ExpirationDate = parseDate(text(tds[1]))
		products = append(products, p)
	}
	return products
}

func parsePending(cells []*html.Node) []models.PendingTransaction {
	pending := []models.PendingTransaction{}
	for _, row := range rowsAfter(cells, pendingMarker) {
		tds := collect(row, atom.Td)
		if len(tds) != 2 {
			break
		}
		name := text(tds[0])
		if name == "" || strings.EqualFold(name, productsMarker) {
			continue
		}
		raw := strings.ReplaceAll(text(tds[1]), "$", "")
		value, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			value = decimal.Zero
		}
		pending = append(pending, models.PendingTransaction{Name: name, Value: value})
	}
	return pending
}

// rowsAfter возвращает строки таблицы, следующие за строкой с ячейкой marker.
func rowsAfter(cells []*html.Node, marker string) []*html.Node {
	cell := findCell(cells, marker)
	if cell == nil || cell.Parent == nil {
		return nil
	}
	var rows []*html.Node
	for row := nextElement(cell.Parent, atom.Tr); row != nil; row = nextElement(row, atom.Tr) {
		rows = append(rows, row)
	}
	return rows
}

func parseDate(s string) *time.Time {
	found := datePattern.FindString(s)
	if found == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, found)
	if err != nil {
		return nil
	}
	return &t
}

// findCell возвращает первую ячейку, собственный текст которой содержит marker.
func findCell(cells []*html.Node, marker string) *html.Node {
	for _, c := range cells {
		if strings.Contains(strings.ToLower(text(c)), marker) && len(collect(c, atom.Td)) == 0 {
			return c
		}
	}
	return nil
}

func nextElement(n *html.Node, a atom.Atom) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode && s.DataAtom == a {
			return s
		}
	}
	return nil
}

// collect возвращает всех потомков n с тегом a в порядке документа, не включая сам n.
func collect(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == a {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
