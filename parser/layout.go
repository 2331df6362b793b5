package parser

// Site layout assumptions. Nothing outside this file knows about the
// markup of the dashboard, the book category page or the login form.
const (
	// Books are linked from the dashboard as /<slug>/overview.
	bookLinkSelector = "a[href]"
	bookLinkSuffix   = "/overview"

	nextPageSelector = `a[rel="next"], li.next a, .pagination a.next_page`

	// The category page lists the book's categories as items of this container.
	categoryContainerSelector = ".book-categories"
	categoryItemSelector      = "li"

	loginPasswordSelector = `input[name="session[password]"]`
	loginFormSelector     = `form[action$="/login"], form#new_session`
	loginTokenSelector    = `input[name="authenticity_token"]`
	csrfMetaSelector      = `meta[name="csrf-token"]`

	// Longest fragment of an unparseable page kept for diagnostics.
	maxFragmentLen = 256
)
