package live

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// the snapshot side of the api, as needed by the synchronizer
type SnapshotFetcher interface {
	FetchQuestions(ctx context.Context) ([]*Question, error)
}

// The rest api. Writes are fire-and-forget from the point of view of the collection:
// the resulting change arrives on the push channel. Results only tell the caller
// whether to keep or clear its input. No call is retried.
type QaApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	client *http.Client

	bearerLock sync.Mutex
	bearer     string
}

func NewQaApi(apiUrl string) *QaApi {
	return NewQaApiWithContext(context.Background(), apiUrl)
}

func NewQaApiWithContext(ctx context.Context, apiUrl string) *QaApi {
	return NewQaApiWithClient(ctx, apiUrl, defaultClient())
}

func NewQaApiWithClient(ctx context.Context, apiUrl string, client *http.Client) *QaApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &QaApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: strings.TrimRight(apiUrl, "/"),
		client: client,
	}
}

// this gets attached to api calls that need it
func (self *QaApi) SetBearer(bearer string) {
	self.bearerLock.Lock()
	defer self.bearerLock.Unlock()
	self.bearer = bearer
}

func (self *QaApi) getBearer() string {
	self.bearerLock.Lock()
	defer self.bearerLock.Unlock()
	return self.bearer
}

func (self *QaApi) Close() {
	self.cancel()
}

func (self *QaApi) questionUrl(questionId string, suffix string) string {
	return fmt.Sprintf("%s/api/questions/%s/%s", self.apiUrl, url.PathEscape(questionId), suffix)
}

type GetQuestionsCallback apiCallback[[]*Question]

func (self *QaApi) GetQuestions(callback GetQuestionsCallback) {
	go self.getQuestions(self.ctx, callback)
}

func (self *QaApi) GetQuestionsSync() ([]*Question, error) {
	return self.getQuestions(self.ctx, NewNoopApiCallback[[]*Question]())
}

// SnapshotFetcher
func (self *QaApi) FetchQuestions(ctx context.Context) ([]*Question, error) {
	return self.getQuestions(ctx, NewNoopApiCallback[[]*Question]())
}

func (self *QaApi) getQuestions(ctx context.Context, callback GetQuestionsCallback) ([]*Question, error) {
	return request[[]*Question](
		ctx,
		self.client,
		http.MethodGet,
		fmt.Sprintf("%s/api/questions", self.apiUrl),
		nil,
		"",
		decodeQuestions,
		callback,
	)
}

type CreateQuestionCallback apiCallback[*CreateQuestionResult]

type CreateQuestionArgs struct {
	// the server uses "Anonymous" when omitted
	Author  string `json:"author,omitempty"`
	Message string `json:"message"`
}

type CreateQuestionResult struct {
	Message string `json:"message"`
	Id      string `json:"id"`
}

func (self *QaApi) CreateQuestion(createQuestion *CreateQuestionArgs, callback CreateQuestionCallback) {
	go self.createQuestion(createQuestion, callback)
}

func (self *QaApi) CreateQuestionSync(createQuestion *CreateQuestionArgs) (*CreateQuestionResult, error) {
	return self.createQuestion(createQuestion, NewNoopApiCallback[*CreateQuestionResult]())
}

func (self *QaApi) createQuestion(createQuestion *CreateQuestionArgs, callback CreateQuestionCallback) (*CreateQuestionResult, error) {
	if strings.TrimSpace(createQuestion.Message) == "" {
		callback.Result(nil, ErrEmptyContent)
		return nil, ErrEmptyContent
	}
	return request[*CreateQuestionResult](
		self.ctx,
		self.client,
		http.MethodPost,
		fmt.Sprintf("%s/api/questions", self.apiUrl),
		createQuestion,
		"",
		jsonDecoder[*CreateQuestionResult],
		callback,
	)
}

type MessageCallback apiCallback[*MessageResult]

type MessageResult struct {
	Message string `json:"message"`
}

type CreateAnswerArgs struct {
	Author string `json:"author,omitempty"`
	Answer string `json:"answer"`
}

func (self *QaApi) CreateAnswer(questionId string, createAnswer *CreateAnswerArgs, callback MessageCallback) {
	go self.createAnswer(questionId, createAnswer, callback)
}

func (self *QaApi) CreateAnswerSync(questionId string, createAnswer *CreateAnswerArgs) (*MessageResult, error) {
	return self.createAnswer(questionId, createAnswer, NewNoopApiCallback[*MessageResult]())
}

func (self *QaApi) createAnswer(questionId string, createAnswer *CreateAnswerArgs, callback MessageCallback) (*MessageResult, error) {
	if strings.TrimSpace(createAnswer.Answer) == "" {
		callback.Result(nil, ErrEmptyContent)
		return nil, ErrEmptyContent
	}
	return request[*MessageResult](
		self.ctx,
		self.client,
		http.MethodPost,
		self.questionUrl(questionId, "answer"),
		createAnswer,
		"",
		jsonDecoder[*MessageResult],
		callback,
	)
}

type UpdateQuestionStatusArgs struct {
	Status QuestionStatus `json:"status"`
}

// requires the admin bearer, see `SetBearer`
func (self *QaApi) UpdateQuestionStatus(questionId string, status QuestionStatus, callback MessageCallback) {
	go self.updateQuestionStatus(questionId, status, callback)
}

func (self *QaApi) UpdateQuestionStatusSync(questionId string, status QuestionStatus) (*MessageResult, error) {
	return self.updateQuestionStatus(questionId, status, NewNoopApiCallback[*MessageResult]())
}

func (self *QaApi) updateQuestionStatus(questionId string, status QuestionStatus, callback MessageCallback) (*MessageResult, error) {
	if !status.IsValid() {
		err := fmt.Errorf("%w: %q", ErrInvalidStatus, status)
		callback.Result(nil, err)
		return nil, err
	}
	bearer := self.getBearer()
	if err := checkBearer(bearer, time.Now()); err != nil {
		callback.Result(nil, err)
		return nil, err
	}
	return request[*MessageResult](
		self.ctx,
		self.client,
		http.MethodPut,
		self.questionUrl(questionId, "status"),
		&UpdateQuestionStatusArgs{
			Status: status,
		},
		bearer,
		jsonDecoder[*MessageResult],
		callback,
	)
}

type HealthResult struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (self *QaApi) HealthSync() (*HealthResult, error) {
	return request[*HealthResult](
		self.ctx,
		self.client,
		http.MethodGet,
		fmt.Sprintf("%s/health", self.apiUrl),
		nil,
		"",
		jsonDecoder[*HealthResult],
		NewNoopApiCallback[*HealthResult](),
	)
}

// does not touch the database on the server
func (self *QaApi) PingSync() (*HealthResult, error) {
	return request[*HealthResult](
		self.ctx,
		self.client,
		http.MethodGet,
		fmt.Sprintf("%s/ping", self.apiUrl),
		nil,
		"",
		jsonDecoder[*HealthResult],
		NewNoopApiCallback[*HealthResult](),
	)
}

func jsonDecoder[R any](body []byte) (R, error) {
	var result R
	err := json.Unmarshal(body, &result)
	return result, err
}

type errorDetail struct {
	Detail any `json:"detail"`
}

// fastapi errors are `{"detail": ...}` where detail is a string or a list of validation errors
func apiErrorFromResponse(statusCode int, body []byte) *ApiError {
	message := strings.TrimSpace(string(body))
	var detail errorDetail
	if err := json.Unmarshal(body, &detail); err == nil && detail.Detail != nil {
		switch v := detail.Detail.(type) {
		case string:
			message = v
		default:
			if detailJson, err := json.Marshal(v); err == nil {
				message = string(detailJson)
			}
		}
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return &ApiError{
		StatusCode: statusCode,
		Message:    message,
	}
}

func request[R any](
	ctx context.Context,
	client *http.Client,
	method string,
	url string,
	args any,
	bearer string,
	decode func([]byte) (R, error),
	callback apiCallback[R],
) (R, error) {
	var empty R

	var body io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			callback.Result(empty, err)
			return empty, err
		}
		body = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}

	if args != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("Accept", "application/json")

	if bearer != "" {
		auth := fmt.Sprintf("Bearer %s", bearer)
		req.Header.Add("Authorization", auth)
	}

	r, err := client.Do(req)
	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		apiErr := apiErrorFromResponse(r.StatusCode, responseBodyBytes)
		glog.V(1).Infof("[api]%s %s = %s\n", method, url, apiErr)
		callback.Result(empty, apiErr)
		return empty, apiErr
	}

	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}

	result, err := decode(responseBodyBytes)
	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
