package web

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// Pagination is the paging metadata attached to listing responses.
type Pagination struct {
	pageLen   int
	queryVals url.Values

	PageNo      int    `json:"page"`
	Pages       int    `json:"pages"`
	Next        int    `json:"next"`     // 0 means no next page
	Previous    int    `json:"previous"` // 0 means no previous page
	NextURL     string `json:"nextUrl,omitempty"`
	PreviousURL string `json:"previousUrl,omitempty"`
}

var ErrInvalidPageLen error = errors.New("pageLen cannot be below 1")

type ErrInvalidPageNo struct {
	PageNo     int
	TotalPages int
}

func (e ErrInvalidPageNo) Error() string {
	return fmt.Sprintf("invalid page number: %d (total pages: %d)", e.PageNo, e.TotalPages)
}

// NewPagination calculates the pagination setting for the provided
// pageLen (number of items per page), the total records in the current
// set, the current page number and the present url values. The url
// values are used for determining the url (if any) for the "Next" and
// "Previous" pages.
func NewPagination(pageLen, totalRecords, currentPage int, query url.Values) (*Pagination, error) {

	if pageLen <= 0 {
		pageLen = 1
	}

	totalPages := 1
	if totalRecords > 0 {
		totalPages = ((totalRecords - 1) / pageLen) + 1
	}

	if currentPage < 1 {
		currentPage = 1
	}
	if currentPage > totalPages {
		return nil, ErrInvalidPageNo{PageNo: currentPage, TotalPages: totalPages}
	}
	pg := &Pagination{
		pageLen:   pageLen,
		queryVals: query,
		PageNo:    currentPage,
		Pages:     totalPages,
	}

	if pg.PageNo > 1 {
		pg.Previous = pg.PageNo - 1
		pg.PreviousURL = pg.buildURL(pg.Previous)
	}

	if pg.PageNo < pg.Pages {
		pg.Next = pg.PageNo + 1
		pg.NextURL = pg.buildURL(pg.Next)
	}

	return pg, nil
}

// buildURL generates a URL query string for a specific page.
func (p *Pagination) buildURL(page int) string {
	newQuery := make(url.Values, len(p.queryVals))
	for k, v := range p.queryVals {
		newQuery[k] = v
	}

	newQuery.Set("page", strconv.Itoa(page))
	return "?" + newQuery.Encode()
}
