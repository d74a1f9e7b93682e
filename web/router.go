package web

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/glypto/glyptodon/activitypub"
	"github.com/glypto/glyptodon/db"
	"github.com/glypto/glyptodon/util"
	"golang.org/x/time/rate"
)

const maxActivityBytes = 1 * 1024 * 1024

// statusFor maps pipeline failures to inbox response codes. Duplicates
// are a success: the first delivery already applied. An apply failure
// returns 202 so the sender does not redeliver what the ledger already
// rejected.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, activitypub.ErrDuplicate):
		return http.StatusOK
	case errors.Is(err, activitypub.ErrApplyFailed):
		return http.StatusAccepted
	case errors.Is(err, activitypub.ErrForbidden),
		errors.Is(err, activitypub.ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, activitypub.ErrSignatureExpired),
		errors.Is(err, activitypub.ErrSignatureMismatch),
		errors.Is(err, activitypub.ErrKeyNotFound),
		errors.Is(err, activitypub.ErrMalformedSignature):
		return http.StatusUnauthorized
	case errors.Is(err, activitypub.ErrMalformedActivity),
		errors.Is(err, activitypub.ErrUnsupportedType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Router serves the federation surface: actor documents, webfinger, the
// inboxes and the public collections.
func Router(conf *util.AppConfig, processor *activitypub.Processor, sync *activitypub.Synchronizer) error {
	log.Printf("Starting federation server on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		err, doc := GetWebfinger(c.Query("resource"), conf)
		if err != nil {
			c.JSON(404, gin.H{"detail": "Not Found"})
			return
		}
		c.JSON(200, doc)
	})

	if conf.Conf.WithFederation {
		// Stricter limit on the inbox surface: 5 req/sec per IP
		inboxLimiter := NewRateLimiter(rate.Limit(5), 10)
		maxBodySize := MaxBytesMiddleware(maxActivityBytes)

		handleInbox := func(c *gin.Context) {
			body, err := c.GetRawData()
			if err != nil {
				c.Status(400)
				return
			}
			err = processor.Process(c.Request.Context(), c.Request, body)
			status := statusFor(err)
			if err != nil && status >= 400 {
				log.Printf("Inbox: Rejected delivery with %d: %v", status, err)
			}
			c.Status(status)
		}

		// One shared inbox plus per-actor inboxes; every route runs the
		// same pipeline, the activity's addressing decides the rest.
		g.POST("/inbox", RateLimitMiddleware(inboxLimiter), maxBodySize, handleInbox)
		g.POST("/users/:name/inbox", RateLimitMiddleware(inboxLimiter), maxBodySize, handleInbox)
		g.POST("/c/:name/inbox", RateLimitMiddleware(inboxLimiter), maxBodySize, handleInbox)

		g.GET("/actor", func(c *gin.Context) {
			err, doc := GetInstanceActorDoc(conf)
			serveActor(c, err, doc)
		})
		g.GET("/users/:name", func(c *gin.Context) {
			err, doc := GetPersonDoc(c.Param("name"), conf)
			serveActor(c, err, doc)
		})
		g.GET("/c/:name", func(c *gin.Context) {
			err, doc := GetGroupDoc(c.Param("name"), conf)
			serveActor(c, err, doc)
		})

		g.GET("/users/:name/outbox", func(c *gin.Context) {
			serveOutbox(c, sync, activitypub.PersonURI(conf.Conf.SslDomain, c.Param("name")))
		})
		g.GET("/c/:name/outbox", func(c *gin.Context) {
			serveOutbox(c, sync, activitypub.CommunityURI(conf.Conf.SslDomain, c.Param("name")))
		})

		g.GET("/users/:name/followers", func(c *gin.Context) {
			serveFollowers(c, activitypub.PersonURI(conf.Conf.SslDomain, c.Param("name")))
		})
		g.GET("/c/:name/followers", func(c *gin.Context) {
			serveFollowers(c, activitypub.CommunityURI(conf.Conf.SslDomain, c.Param("name")))
		})

		g.GET("/c/:name/moderators", func(c *gin.Context) {
			doc, err := sync.ModeratorsCollection(activitypub.CommunityURI(conf.Conf.SslDomain, c.Param("name")))
			serveCollection(c, doc, err)
		})
		g.GET("/c/:name/featured", func(c *gin.Context) {
			doc, err := sync.FeaturedCollection(activitypub.CommunityURI(conf.Conf.SslDomain, c.Param("name")))
			serveCollection(c, doc, err)
		})

		g.GET("/post/:id", func(c *gin.Context) {
			uri := fmt.Sprintf("https://%s/post/%s", conf.Conf.SslDomain, c.Param("id"))
			err, post := db.GetDB().ReadPostByURI(uri)
			if err != nil || post == nil || post.Removed {
				c.JSON(404, gin.H{"error": "Post not found"})
				return
			}
			c.Header("Content-Type", "application/activity+json; charset=utf-8")
			c.JSON(200, activitypub.PostObject(post))
		})
		g.GET("/comment/:id", func(c *gin.Context) {
			uri := fmt.Sprintf("https://%s/comment/%s", conf.Conf.SslDomain, c.Param("id"))
			err, comment := db.GetDB().ReadCommentByURI(uri)
			if err != nil || comment == nil || comment.Removed {
				c.JSON(404, gin.H{"error": "Comment not found"})
				return
			}
			c.Header("Content-Type", "application/activity+json; charset=utf-8")
			c.JSON(200, activitypub.CommentObject(comment))
		})

		g.GET("/activities/:id", func(c *gin.Context) {
			uri := fmt.Sprintf("https://%s/activities/%s", conf.Conf.SslDomain, c.Param("id"))
			err, activity := db.GetDB().ReadActivityByURI(uri)
			if err != nil || activity == nil || !activity.Local {
				c.JSON(404, gin.H{"error": "Activity not found"})
				return
			}
			c.Data(200, "application/activity+json; charset=utf-8", []byte(activity.RawJSON))
		})
	}

	return g.Run(fmt.Sprintf(":%d", conf.Conf.HttpPort))
}

func serveActor(c *gin.Context, err error, doc *actorDoc) {
	if err != nil || doc == nil {
		c.JSON(404, gin.H{"error": "Actor not found"})
		return
	}
	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	c.JSON(200, doc)
}

func serveOutbox(c *gin.Context, sync *activitypub.Synchronizer, actorURI string) {
	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	pageParam := c.Query("page")
	if pageParam == "" {
		doc, err := sync.OutboxCollection(actorURI)
		if err != nil {
			c.JSON(404, gin.H{"error": "Outbox not found"})
			return
		}
		c.JSON(200, doc)
		return
	}

	page, err := strconv.Atoi(pageParam)
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid page"})
		return
	}
	doc, err := sync.OutboxPage(actorURI, page)
	if err != nil {
		c.JSON(404, gin.H{"error": "Outbox not found"})
		return
	}
	c.JSON(200, doc)
}

func serveFollowers(c *gin.Context, actorURI string) {
	err, follows := db.GetDB().ReadFollowersOf(actorURI)
	if err != nil {
		c.JSON(404, gin.H{"error": "Followers not found"})
		return
	}
	total := 0
	if follows != nil {
		total = len(*follows)
	}
	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	c.JSON(200, activitypub.OrderedCollection{
		Context:    activitypub.ActivityStreamsContext,
		ID:         actorURI + "/followers",
		Type:       "OrderedCollection",
		TotalItems: total,
	})
}

func serveCollection(c *gin.Context, doc *activitypub.OrderedCollectionPage, err error) {
	if err != nil {
		c.JSON(404, gin.H{"error": "Collection not found"})
		return
	}
	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	c.JSON(200, doc)
}
