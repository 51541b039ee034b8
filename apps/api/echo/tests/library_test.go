package tests

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Haizard/mult-tenant-school-sub002/core/library"
	testutil "github.com/Haizard/mult-tenant-school-sub002/tests"
)

const unknownID = "9b2e7c1a-3d4f-4a5b-8c6d-7e8f9a0b1c2d"

func notFound(msg string) httpErr {
	return httpErr{Message: msg}
}

func Test_libraryApi_queryBooks(t *testing.T) {
	db.Reset()
	repo := db.Tenant(tenant)
	student := testutil.CreateUser(t, repo, "Student", "student@test.cd", library.UserTypeStudent)
	for _, title := range []string{"Mine Boy", "Down Second Avenue", "Mhudi"} {
		testutil.CreateBook(t, repo, title, "Someone", 1, "novel")
	}
	testutil.CreateBook(t, db.Tenant(otherTenant), "Elsewhere", "Someone", 1)

	token := getToken(t, student.ID, tenant, studentRoles...)

	t.Run("missing token", func(t *testing.T) {
		req, rec := newRequest(http.MethodGet, "/api/library/books")
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)}, rec)
	})

	t.Run("invalid token", func(t *testing.T) {
		rec := serve(http.MethodGet, "/api/library/books", "not.a.token")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	tests := []struct {
		name       string
		query      string
		wantTitles []string
		wantTotal  int
	}{
		{"all tenant books, by title", "", []string{"Down Second Avenue", "Mhudi", "Mine Boy"}, 3},
		{"search", "?search=MI", []string{"Mine Boy"}, 1},
		{"paginated", "?page=2&limit=2", []string{"Mine Boy"}, 3},
		{"category", "?category=Novel&status=active", []string{"Down Second Avenue", "Mhudi", "Mine Boy"}, 3},
		{"no match", "?category=poetry", []string{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(http.MethodGet, "/api/library/books"+tt.query, token)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var list library.BookList
			decodeData(t, rec, &list)
			titles := make([]string, 0, len(list.Books))
			for _, b := range list.Books {
				titles = append(titles, b.Title)
			}
			assert.Equal(t, tt.wantTitles, titles)
			assert.Equal(t, tt.wantTotal, list.Pagination.Total)
		})
	}

	t.Run("bad paging", func(t *testing.T) {
		rec := serve(http.MethodGet, "/api/library/books?page=two", token)
		checkCodeAndData(t, httpTest{
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{Message: "invalid query parameters", Error: map[string]string{"page": "must be a number"}}),
		}, rec)
	})
}

func Test_libraryApi_books(t *testing.T) {
	db.Reset()
	repo := db.Tenant(tenant)
	student := testutil.CreateUser(t, repo, "Student", "student@test.cd", library.UserTypeStudent)
	librarian := testutil.CreateUser(t, repo, "Librarian", "librarian@test.cd", library.UserTypeStaff)
	existing := testutil.CreateBook(t, repo, "Existing", "Someone", 1)

	studentToken := getToken(t, student.ID, tenant, studentRoles...)
	staffToken := getToken(t, librarian.ID, tenant, staffRoles...)
	otherToken := getToken(t, librarian.ID, otherTenant, staffRoles...)

	newBook := []byte(`{"title":"Wrath of the Ancestors","author":"A. C. Jordan","isbn":"9780306406157","totalCopies":2}`)

	tests := []httpTest{
		{
			name:     "create: students are forbidden",
			method:   http.MethodPost,
			path:     "/api/library/books",
			body:     newBook,
			token:    studentToken,
			wantCode: http.StatusForbidden,
			wantData: marchallObj(t, errForbidden),
		},
		{
			name:     "create: invalid data",
			method:   http.MethodPost,
			path:     "/api/library/books",
			body:     []byte(`{"isbn":"123","totalCopies":-1}`),
			token:    staffToken,
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{
				Message: "validation failed",
				Error: map[string]string{
					"isbn":        "isbn must be a valid ISBN number",
					"title":       "this field is required",
					"author":      "this field is required",
					"totalCopies": "totalCopies must be 0 or greater",
				},
			}),
		},
		{
			name:     "create",
			method:   http.MethodPost,
			path:     "/api/library/books",
			body:     newBook,
			token:    staffToken,
			wantCode: http.StatusCreated,
		},
		{
			name:     "create: duplicate isbn",
			method:   http.MethodPost,
			path:     "/api/library/books",
			body:     newBook,
			token:    staffToken,
			wantCode: http.StatusConflict,
			wantData: marchallObj(t, httpErr{Message: library.ErrBookExists.Error()}),
		},
		{
			name:     "retrieve",
			method:   http.MethodGet,
			path:     "/api/library/books/" + existing.ID,
			token:    studentToken,
			wantCode: http.StatusOK,
			wantData: marchallObj(t, map[string]interface{}{"success": true, "data": existing}),
		},
		{
			name:     "retrieve: unknown",
			method:   http.MethodGet,
			path:     "/api/library/books/" + unknownID,
			token:    studentToken,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, notFound("book not found")),
		},
		{
			name:     "retrieve: malformed id",
			method:   http.MethodGet,
			path:     "/api/library/books/42",
			token:    studentToken,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, notFound("book not found")),
		},
		{
			name:     "retrieve: other tenant",
			method:   http.MethodGet,
			path:     "/api/library/books/" + existing.ID,
			token:    otherToken,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, notFound("book not found")),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(tt.method, tt.path, tt.token, tt.body)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_libraryApi_circulation(t *testing.T) {
	db.Reset()
	repo := db.Tenant(tenant)
	librarian := testutil.CreateUser(t, repo, "Librarian", "librarian@test.cd", library.UserTypeStaff)
	userA := testutil.CreateUser(t, repo, "User A", "a@test.cd", library.UserTypeStudent)
	userB := testutil.CreateUser(t, repo, "User B", "b@test.cd", library.UserTypeStudent)
	book := testutil.CreateBook(t, repo, "Chaka", "Thomas Mofolo", 1)

	staffToken := getToken(t, librarian.ID, tenant, staffRoles...)
	tokenA := getToken(t, userA.ID, tenant, studentRoles...)
	tokenB := getToken(t, userB.ID, tenant, studentRoles...)

	issueBody := func(userID string) []byte {
		return []byte(fmt.Sprintf(`{"bookId":%q,"userId":%q,"userType":"STUDENT"}`, book.ID, userID))
	}
	bookCopies := func() int {
		rec := serve(http.MethodGet, "/api/library/books/"+book.ID, tokenA)
		var b library.Book
		decodeData(t, rec, &b)
		return b.AvailableCopies
	}

	t.Run("issue: students are forbidden", func(t *testing.T) {
		rec := serve(http.MethodPost, "/api/library/circulations/issue", tokenA, issueBody(userA.ID))
		checkCodeAndData(t, httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden)}, rec)
	})

	t.Run("issue: invalid data", func(t *testing.T) {
		rec := serve(http.MethodPost, "/api/library/circulations/issue", staffToken, []byte(`{}`))
		checkCodeAndData(t, httpTest{
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{
				Message: "validation failed",
				Error: map[string]string{
					"bookId":   "this field is required",
					"userId":   "this field is required",
					"userType": "this field is required",
				},
			}),
		}, rec)
	})

	// issue A -> 0 copies left
	rec := serve(http.MethodPost, "/api/library/circulations/issue", staffToken, issueBody(userA.ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var circ library.Circulation
	env := decodeData(t, rec, &circ)
	assert.Equal(t, "Book issued successfully", env.Message)
	assert.Equal(t, library.StatusBorrowed, circ.Status)
	assert.Equal(t, userA.ID, circ.UserID)
	assert.Equal(t, 0, bookCopies())

	t.Run("issue: no copies left", func(t *testing.T) {
		rec := serve(http.MethodPost, "/api/library/circulations/issue", staffToken, issueBody(userB.ID))
		checkCodeAndData(t, httpTest{
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{Message: library.ErrNoCopiesAvailable.Error()}),
		}, rec)
	})

	// B reserves for themselves -> priority 1
	reserveBody := []byte(fmt.Sprintf(`{"bookId":%q,"userId":%q,"userType":"STUDENT"}`, book.ID, userB.ID))
	t.Run("reserve: only for oneself", func(t *testing.T) {
		rec := serve(http.MethodPost, "/api/library/reservations", tokenA, reserveBody)
		checkCodeAndData(t, httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden)}, rec)
	})
	rec = serve(http.MethodPost, "/api/library/reservations", tokenB, reserveBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res library.Reservation
	decodeData(t, rec, &res)
	assert.Equal(t, 1, res.Priority)
	assert.Equal(t, library.ReservationActive, res.Status)

	t.Run("reserve: twice", func(t *testing.T) {
		rec := serve(http.MethodPost, "/api/library/reservations", tokenB, reserveBody)
		checkCodeAndData(t, httpTest{
			wantCode: http.StatusConflict,
			wantData: marchallObj(t, httpErr{Message: library.ErrAlreadyReserved.Error()}),
		}, rec)
	})

	t.Run("renew: blocked by the reservation", func(t *testing.T) {
		rec := serve(http.MethodPut, "/api/library/circulations/"+circ.ID+"/renew", staffToken)
		checkCodeAndData(t, httpTest{
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{Message: library.ErrBookReserved.Error()}),
		}, rec)
	})

	t.Run("list: staff only", func(t *testing.T) {
		rec := serve(http.MethodGet, "/api/library/circulations?status=BORROWED", tokenA)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = serve(http.MethodGet, "/api/library/circulations?status=BORROWED&userId="+userA.ID, staffToken)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var list library.CirculationList
		decodeData(t, rec, &list)
		require.Len(t, list.Circulations, 1)
		assert.Equal(t, circ.ID, list.Circulations[0].ID)

		rec = serve(http.MethodGet, "/api/library/circulations?userId=nope", staffToken)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	// A returns -> 1 copy, B's reservation still ACTIVE
	rec = serve(http.MethodPut, "/api/library/circulations/"+circ.ID+"/return", staffToken, []byte(`{"notes":"ok"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var returned library.Circulation
	decodeData(t, rec, &returned)
	assert.Equal(t, library.StatusReturned, returned.Status)
	assert.NotNil(t, returned.ReturnDate)
	assert.Equal(t, 1, bookCopies())

	fresh, err := repo.LockReservation(testutil.TenantContext(tenant), res.ID)
	require.NoError(t, err)
	assert.Equal(t, library.ReservationActive, fresh.Status)

	tests := []httpTest{
		{
			name:     "return: already returned",
			method:   http.MethodPut,
			path:     "/api/library/circulations/" + circ.ID + "/return",
			token:    staffToken,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, notFound(library.ErrCirculationNotFound.Error())),
		},
		{
			name:     "return: negative fine",
			method:   http.MethodPut,
			path:     "/api/library/circulations/" + unknownID + "/return",
			body:     []byte(`{"fineAmount":-3}`),
			token:    staffToken,
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{Message: "validation failed", Error: map[string]string{"fineAmount": "fineAmount must be 0 or greater"}}),
		},
		{
			name:     "renew: returned loan",
			method:   http.MethodPut,
			path:     "/api/library/circulations/" + circ.ID + "/renew",
			token:    staffToken,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, notFound(library.ErrCirculationNotFound.Error())),
		},
		{
			name:     "renew: malformed id",
			method:   http.MethodPut,
			path:     "/api/library/circulations/abc/renew",
			token:    staffToken,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, notFound(library.ErrCirculationNotFound.Error())),
		},
		{
			name:     "reserve: book available again",
			method:   http.MethodPost,
			path:     "/api/library/reservations",
			body:     []byte(fmt.Sprintf(`{"bookId":%q,"userId":%q,"userType":"STUDENT"}`, book.ID, userA.ID)),
			token:    tokenA,
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{Message: library.ErrBookAvailable.Error()}),
		},
		{
			name:     "cancel: someone else's reservation",
			method:   http.MethodPut,
			path:     "/api/library/reservations/" + res.ID + "/cancel",
			token:    tokenA,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, notFound(library.ErrReservationNotFound.Error())),
		},
		{
			name:     "cancel: own reservation",
			method:   http.MethodPut,
			path:     "/api/library/reservations/" + res.ID + "/cancel",
			token:    tokenB,
			wantCode: http.StatusOK,
		},
		{
			name:     "cancel: already cancelled",
			method:   http.MethodPut,
			path:     "/api/library/reservations/" + res.ID + "/cancel",
			token:    staffToken,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, notFound(library.ErrReservationNotFound.Error())),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(tt.method, tt.path, tt.token, tt.body)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_libraryApi_renew(t *testing.T) {
	db.Reset()
	repo := db.Tenant(tenant)
	librarian := testutil.CreateUser(t, repo, "Librarian", "librarian@test.cd", library.UserTypeStaff)
	student := testutil.CreateUser(t, repo, "Student", "student@test.cd", library.UserTypeStudent)
	book := testutil.CreateBook(t, repo, "Ake", "Wole Soyinka", 1)
	staffToken := getToken(t, librarian.ID, tenant, "admin:principal")

	rec := serve(http.MethodPost, "/api/library/circulations/issue", staffToken,
		[]byte(fmt.Sprintf(`{"bookId":%q,"userId":%q,"userType":"STUDENT"}`, book.ID, student.ID)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var circ library.Circulation
	decodeData(t, rec, &circ)

	path := "/api/library/circulations/" + circ.ID + "/renew"
	for i := 1; i <= 2; i++ {
		rec = serve(http.MethodPut, path, staffToken)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var renewed library.Circulation
		env := decodeData(t, rec, &renewed)
		assert.Equal(t, "Book renewed successfully", env.Message)
		assert.Equal(t, i, renewed.RenewalCount)
	}

	rec = serve(http.MethodPut, path, staffToken)
	checkCodeAndData(t, httpTest{
		wantCode: http.StatusBadRequest,
		wantData: marchallObj(t, httpErr{Message: library.ErrRenewalLimitReached.Error()}),
	}, rec)
}

func Test_libraryApi_stats(t *testing.T) {
	db.Reset()
	repo := db.Tenant(tenant)
	student := testutil.CreateUser(t, repo, "Student", "student@test.cd", library.UserTypeStudent)
	testutil.CreateBook(t, repo, "One", "A", 2)
	testutil.CreateBook(t, repo, "Two", "B", 3)

	rec := serve(http.MethodGet, "/api/library/stats", getToken(t, student.ID, tenant, studentRoles...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var stats library.Stats
	decodeData(t, rec, &stats)
	assert.Equal(t, 2, stats.TotalBooks)
	assert.Equal(t, 5, stats.TotalCopies)
	assert.Equal(t, 5, stats.AvailableBooks)
	assert.Equal(t, 0, stats.BorrowedBooks)
	assert.Empty(t, stats.PopularBooks)
}
