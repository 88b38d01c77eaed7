package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// QueryAll fetches every page matching filter, following cursors. The next
// page is requested while the current one is appended.
func QueryAll(ctx context.Context, c Client, dbID string, filter *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	type pageResult struct {
		resp *notionapi.DatabaseQueryResponse
		err  error
	}

	request := func(cursor notionapi.Cursor) *notionapi.DatabaseQueryRequest {
		req := &notionapi.DatabaseQueryRequest{StartCursor: cursor}
		if filter != nil {
			req.Filter = filter.Filter
			req.Sorts = filter.Sorts
			req.PageSize = filter.PageSize
		}
		return req
	}

	var all []notionapi.Page
	var pending <-chan pageResult

	for {
		var resp *notionapi.DatabaseQueryResponse
		var err error
		if pending != nil {
			r := <-pending
			resp, err = r.resp, r.err
		} else {
			resp, err = c.QueryDatabase(ctx, dbID, request(""))
		}
		if err != nil {
			return nil, eris.Wrap(err, "notion: query all page")
		}

		all = append(all, resp.Results...)
		if !resp.HasMore {
			return all, nil
		}

		ch := make(chan pageResult, 1)
		pending = ch
		next := request(resp.NextCursor)
		go func() {
			r, e := c.QueryDatabase(ctx, dbID, next)
			ch <- pageResult{resp: r, err: e}
		}()
	}
}

// StatusEquals builds a filter on a status property.
func StatusEquals(property, status string) *notionapi.DatabaseQueryRequest {
	return &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: property,
			Status:   &notionapi.StatusFilterCondition{Equals: status},
		},
	}
}

// RichTextEquals builds a filter on a rich text property.
func RichTextEquals(property, value string) *notionapi.DatabaseQueryRequest {
	return &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: property,
			RichText: &notionapi.TextFilterCondition{Equals: value},
		},
	}
}
