package submission

import (
	"io"
	"net/http"

	"codetier/internal/artifact"
	"codetier/internal/version"
	appErr "codetier/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Controller exposes the submission service over HTTP. Identity arrives in
// headers from the auth proxy in front of the service; this layer only
// translates requests and error codes.
type Controller struct {
	service *Service
}

// NewController creates a controller.
func NewController(service *Service) *Controller {
	return &Controller{service: service}
}

// RegisterRoutes mounts the submission API on a router group.
func (ctl *Controller) RegisterRoutes(rg *gin.RouterGroup) {
	assignment := rg.Group("/courses/:course/assignments/:assignment")
	assignment.POST("/:kind", ctl.upload)
	assignment.GET("/:kind/commit", ctl.getCommit)
	assignment.DELETE("/:kind", ctl.deleteArtifact)
	assignment.DELETE("/:kind/file", ctl.removeFile)
	assignment.POST("/:kind/reset", ctl.resetWorkingTree)
	assignment.GET("/group", ctl.getGroup)
	assignment.GET("/tierlist", ctl.getTierlist)
	assignment.POST("/revalidate", ctl.revalidate)

	rg.GET("/achievements/unseen", ctl.unseenAchievements)
	rg.POST("/achievements/seen", ctl.markAchievementsSeen)
}

type response struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    interface{}      `json:"data,omitempty"`
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, response{Code: appErr.Success, Message: "success", Data: data})
}

func fail(c *gin.Context, err error) {
	code := appErr.GetCode(err)
	c.JSON(code.HTTPStatus(), response{Code: code, Message: code.Message()})
}

func identity(c *gin.Context) (version.Identity, artifact.Role) {
	id := version.Identity{
		AuthorID: c.GetHeader("X-Author-ID"),
		Email:    c.GetHeader("X-Author-Email"),
	}
	role := artifact.RoleStudent
	if c.GetHeader("X-Author-Role") == string(artifact.RoleStaff) {
		role = artifact.RoleStaff
	}
	return id, role
}

func (ctl *Controller) upload(c *gin.Context) {
	author, role := identity(c)
	kind, err := artifact.ParseKind(c.Param("kind"))
	if err != nil {
		fail(c, err)
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		fail(c, appErr.Wrap(err, appErr.InvalidParams))
		return
	}
	var changes []version.FileChange
	for _, headers := range form.File {
		for _, header := range headers {
			file, err := header.Open()
			if err != nil {
				fail(c, appErr.Wrap(err, appErr.InvalidParams))
				return
			}
			content, err := io.ReadAll(file)
			file.Close()
			if err != nil {
				fail(c, appErr.Wrap(err, appErr.InvalidParams))
				return
			}
			changes = append(changes, version.FileChange{Path: header.Filename, Content: content})
		}
	}

	result, err := ctl.service.ProcessUpload(c.Request.Context(), UploadRequest{
		CourseID:        c.Param("course"),
		AssignmentTitle: c.Param("assignment"),
		Author:          author,
		Role:            role,
		Kind:            kind,
		Files:           changes,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{
		"artifact_id": result.Artifact.ID,
		"revision":    result.Revision,
		"group":       result.Artifact.GroupNumber,
	})
}

func (ctl *Controller) getCommit(c *gin.Context) {
	author, _ := identity(c)
	kind, err := artifact.ParseKind(c.Param("kind"))
	if err != nil {
		fail(c, err)
		return
	}

	info, err := ctl.service.GetCommit(c.Request.Context(),
		c.Param("course"), c.Param("assignment"), author.AuthorID, kind,
		version.RevisionID(c.Query("revision")))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{
		"revision": info.Revision.ID,
		"files":    info.Files,
		"history":  info.History,
		"validity": info.Artifact.Validity,
	})
}

func (ctl *Controller) deleteArtifact(c *gin.Context) {
	author, _ := identity(c)
	kind, err := artifact.ParseKind(c.Param("kind"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := ctl.service.DeleteArtifact(c.Request.Context(),
		c.Param("course"), c.Param("assignment"), author.AuthorID, kind); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (ctl *Controller) removeFile(c *gin.Context) {
	author, _ := identity(c)
	kind, err := artifact.ParseKind(c.Param("kind"))
	if err != nil {
		fail(c, err)
		return
	}
	path := c.Query("path")
	if path == "" {
		fail(c, appErr.ValidationError("path", "required"))
		return
	}
	if err := ctl.service.RemoveFile(c.Request.Context(),
		c.Param("course"), c.Param("assignment"), author, kind, path); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (ctl *Controller) resetWorkingTree(c *gin.Context) {
	author, _ := identity(c)
	kind, err := artifact.ParseKind(c.Param("kind"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := ctl.service.ResetWorkingTree(c.Request.Context(),
		c.Param("course"), c.Param("assignment"), author, kind,
		version.RevisionID(c.Query("revision"))); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (ctl *Controller) getGroup(c *gin.Context) {
	author, _ := identity(c)
	info, err := ctl.service.GetGroup(c.Request.Context(),
		c.Param("course"), c.Param("assignment"), author.AuthorID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, info)
}

func (ctl *Controller) revalidate(c *gin.Context) {
	_, role := identity(c)
	if err := ctl.service.Revalidate(c.Request.Context(),
		c.Param("course"), c.Param("assignment"), role); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (ctl *Controller) unseenAchievements(c *gin.Context) {
	author, _ := identity(c)
	unseen, err := ctl.service.HasUnseenAchievements(c.Request.Context(), author.AuthorID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"unseen": unseen})
}

func (ctl *Controller) markAchievementsSeen(c *gin.Context) {
	author, _ := identity(c)
	if err := ctl.service.MarkAchievementsSeen(c.Request.Context(), author.AuthorID); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (ctl *Controller) getTierlist(c *gin.Context) {
	author, _ := identity(c)
	anonymize := c.DefaultQuery("anonymize", "true") != "false"
	list, err := ctl.service.GetTierlist(c.Request.Context(),
		c.Param("course"), c.Param("assignment"), author.AuthorID, anonymize)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, list)
}
